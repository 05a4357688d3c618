// Command barkeeper fetches, stores and audits OHLCV bars for a watchlist.
package main

import (
	"fmt"
	"os"
	"strings"

	"barkeeper/internal/cli"
	"barkeeper/internal/config"
	"barkeeper/internal/logging"
)

func main() {
	cfg, err := config.Load(configDir(os.Args[1:]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "barkeeper: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLoggerWithConfig(cfg.Logging)
	rootCmd, app := cli.NewRootCmd(cfg, logger)

	err = rootCmd.Execute()
	app.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "barkeeper: %v\n", err)
		os.Exit(1)
	}
}

// configDir finds --config ahead of cobra, since the config is needed to
// build the command tree. BARKEEPER_CONFIG_DIR is the fallback.
func configDir(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("BARKEEPER_CONFIG_DIR")
}
