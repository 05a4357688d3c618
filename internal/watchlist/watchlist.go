// Package watchlist supplies the symbol universe for full-universe runs.
package watchlist

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/spf13/afero"

	apperrors "barkeeper/internal/errors"
	"barkeeper/internal/models"
)

// Provider lists the symbols a full-universe run should cover.
type Provider interface {
	ListSymbols(ctx context.Context) ([]models.Symbol, error)
}

// Static is a fixed watchlist.
type Static []models.Symbol

// NewStatic normalizes and de-duplicates symbols.
func NewStatic(symbols ...string) Static {
	return Static(Normalize(symbols))
}

// ListSymbols implements Provider.
func (s Static) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	if len(s) == 0 {
		return nil, apperrors.ErrEmptyWatchlist
	}
	out := make([]models.Symbol, len(s))
	copy(out, s)
	return out, nil
}

type tickerRow struct {
	Ticker string `csv:"ticker"`
}

// File reads symbols from a CSV with a "ticker" column, or from a plain
// text file with one symbol per line when the extension is .txt.
type File struct {
	fs   afero.Fs
	path string
}

// NewFile creates a watchlist backed by path on the local filesystem.
func NewFile(path string) *File {
	return NewFileOn(afero.NewOsFs(), path)
}

// NewFileOn creates a watchlist backed by path on fs.
func NewFileOn(fs afero.Fs, path string) *File {
	return &File{fs: fs, path: path}
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// ListSymbols implements Provider. The file is re-read on every call so an
// edited list takes effect on the next run.
func (f *File) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrEmptyWatchlist, err)
	}

	var raw []string
	if strings.EqualFold(filepath.Ext(f.path), ".txt") {
		raw = parseLines(data)
	} else {
		raw, err = parseCSV(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrEmptyWatchlist, f.path, err)
		}
	}

	symbols := Normalize(raw)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: %s has no symbols", apperrors.ErrEmptyWatchlist, f.path)
	}
	return symbols, nil
}

func parseCSV(data []byte) ([]string, error) {
	var rows []*tickerRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Ticker)
	}
	return out, nil
}

func parseLines(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Normalize upper-cases, trims, drops blanks and removes duplicates,
// keeping first-seen order.
func Normalize(raw []string) []models.Symbol {
	seen := make(map[models.Symbol]bool, len(raw))
	out := make([]models.Symbol, 0, len(raw))
	for _, r := range raw {
		s := models.NewSymbol(r)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Write saves symbols as a ticker CSV, creating parent directories.
func Write(fs afero.Fs, path string, symbols []models.Symbol) error {
	rows := make([]*tickerRow, len(symbols))
	for i, s := range symbols {
		rows[i] = &tickerRow{Ticker: s.String()}
	}
	data, err := gocsv.MarshalBytes(&rows)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0644)
}
