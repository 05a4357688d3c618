package store

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"barkeeper/internal/models"
	"barkeeper/internal/timestamps"
)

// barRecord is the on-disk row layout.
type barRecord struct {
	Timestamp string `csv:"timestamp"`
	Open      string `csv:"open"`
	High      string `csv:"high"`
	Low       string `csv:"low"`
	Close     string `csv:"close"`
	Volume    string `csv:"volume"`
}

// EncodeBars renders bars as CSV with a header row.
func EncodeBars(bars []models.Bar) ([]byte, error) {
	records := make([]*barRecord, len(bars))
	for i, b := range bars {
		records[i] = &barRecord{
			Timestamp: timestamps.FormatStorage(b.Timestamp),
			Open:      b.Open.String(),
			High:      b.High.String(),
			Low:       b.Low.String(),
			Close:     b.Close.String(),
			Volume:    strconv.FormatInt(b.Volume, 10),
		}
	}
	return gocsv.MarshalBytes(&records)
}

// DecodeBars parses CSV written by EncodeBars.
func DecodeBars(data []byte) ([]models.Bar, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var records []*barRecord
	if err := gocsv.UnmarshalBytes(data, &records); err != nil {
		return nil, fmt.Errorf("decoding dataset: %w", err)
	}

	bars := make([]models.Bar, 0, len(records))
	for i, r := range records {
		b, err := recordToBar(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func recordToBar(r *barRecord) (models.Bar, error) {
	ts, err := timestamps.ParseStorage(r.Timestamp)
	if err != nil {
		return models.Bar{}, err
	}
	b := models.Bar{Timestamp: ts}
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{r.Open, &b.Open},
		{r.High, &b.High},
		{r.Low, &b.Low},
		{r.Close, &b.Close},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return models.Bar{}, err
		}
		*f.dst = d
	}
	if b.Volume, err = strconv.ParseInt(r.Volume, 10, 64); err != nil {
		return models.Bar{}, err
	}
	return b, nil
}
