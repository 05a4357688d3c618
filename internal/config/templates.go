package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# barkeeper configuration

[provider]
name = "alphavantage"
base_url = "https://www.alphavantage.co/query"
timeout = "30s"
extended_hours = true
# Naive provider timestamps are read in this zone
exchange_timezone = "America/New_York"
# Closures beyond the built-in US holiday calendar, e.g. ["2025-01-09"]
exchange_holidays = []
compact_bars = 100

[rate_limit]
# Free tier budget
requests_per_minute = 5
burst = 1

[retry]
max_attempts = 3
base_delay = "2s"
max_delay = "60s"
# Consecutive failures before the provider breaker opens (0 disables)
breaker_threshold = 10
breaker_cooldown = "2m"

[retention]
daily_rows = 200
intraday_30m_rows = 500
intraday_1m_days = 7

[store]
# fs, sqlite or memory
backend = "fs"
data_dir = "data"
sqlite_path = "barkeeper.db"
verify_writes = true
manifest_path = "manifest/fetch_status.json"
full_fetch_threshold_kb = 10

[audit]
daily_min_rows = 200
intraday_30m_min_rows = 500
intraday_1m_min_days = 7
auto_repair = true

[orchestrator]
workers = 1
store_retry_attempts = 2
store_retry_delay = "500ms"
granularities = ["daily", "30min", "1min"]
# local or redis
locker = "local"
lock_ttl = "10m"

[watchlist]
file = "tickerlist/master_tickerlist.csv"
symbols = []

[schedule]
# Six fields, seconds first, evaluated in UTC
compact_cron = "0 */15 13-21 * * 1-5"
full_cron = "0 30 21 * * 1-5"
audit_cron = "0 0 */6 * * *"
run_on_start = false
# Skip compact firings outside the exchange session
market_hours_only = true

[status]
log = true
sqlite = false
webhook_url = ""
redis = false
redis_key = "barkeeper:scheduler_status"
kafka_topic = ""
kafka_brokers = []

[redis]
addr = ""
password = ""
db = 0

[logging]
level = "info"
console = true
file = false
`

const credentialsTemplate = `# barkeeper credentials
# Environment variables take precedence (ALPHAVANTAGE_API_KEY).

[alphavantage]
api_key = ""
`

func createTemplateConfig(configDir, name string) error {
	return writeTemplate(configDir, name+".toml", configTemplate, 0644)
}

func createTemplateCredentials(configDir string) error {
	return writeTemplate(configDir, "credentials.toml", credentialsTemplate, 0600)
}

func writeTemplate(configDir, file, body string, perm os.FileMode) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	path := filepath.Join(configDir, file)
	if err := os.WriteFile(path, []byte(body), perm); err != nil {
		return fmt.Errorf("writing %s: %w", file, err)
	}
	return nil
}
