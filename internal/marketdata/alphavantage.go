package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	apperrors "barkeeper/internal/errors"
	"barkeeper/internal/models"
)

const alphaVantageName = "alphavantage"

// DefaultAlphaVantageURL is the public query endpoint.
const DefaultAlphaVantageURL = "https://www.alphavantage.co/query"

// AlphaVantageConfig holds provider settings.
type AlphaVantageConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	ExtendedHours bool
}

// AlphaVantageProvider implements Provider against the Alpha Vantage query API
// using CSV responses.
type AlphaVantageProvider struct {
	Client *http.Client
	config AlphaVantageConfig
}

// NewAlphaVantageProvider creates a provider. An empty API key is a configuration error.
func NewAlphaVantageProvider(cfg AlphaVantageConfig) (*AlphaVantageProvider, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.ErrMissingAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAlphaVantageURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &AlphaVantageProvider{
		Client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}, nil
}

// Name implements Provider.
func (p *AlphaVantageProvider) Name() string { return alphaVantageName }

func (p *AlphaVantageProvider) query(req Request) url.Values {
	q := url.Values{}
	q.Set("symbol", req.Symbol.String())
	q.Set("outputsize", string(req.Mode))
	q.Set("datatype", "csv")
	q.Set("apikey", p.config.APIKey)

	switch req.Granularity {
	case models.Daily:
		q.Set("function", "TIME_SERIES_DAILY")
	default:
		q.Set("function", "TIME_SERIES_INTRADAY")
		q.Set("interval", req.Granularity.String())
		q.Set("extended_hours", fmt.Sprintf("%t", p.config.ExtendedHours))
	}
	return q
}

// Bars implements Provider.
func (p *AlphaVantageProvider) Bars(ctx context.Context, req Request) ([]models.RawBar, error) {
	u := p.config.BaseURL + "?" + p.query(req).Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperrors.NewProviderRequestError(alphaVantageName, err.Error())
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewProviderTransientError(alphaVantageName, resp.StatusCode, "reading body", err)
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return parseBody(body)
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.NewProviderTransientError(alphaVantageName, 0, "request timed out", apperrors.ErrTimeout)
	}
	return apperrors.NewProviderTransientError(alphaVantageName, 0, "", err)
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.NewProviderAuthError(alphaVantageName, fmt.Sprintf("status %d", status))
	case status == http.StatusTooManyRequests:
		return apperrors.NewProviderTransientError(alphaVantageName, status, "too many requests", apperrors.ErrRateLimited)
	case status >= 500:
		return apperrors.NewProviderTransientError(alphaVantageName, status, snippet(body), nil)
	default:
		return apperrors.NewProviderRequestError(alphaVantageName, fmt.Sprintf("status %d: %s", status, snippet(body)))
	}
}

// parseBody handles both the CSV payload and the JSON bodies the API uses
// for errors and throttling, which arrive with status 200.
func parseBody(body []byte) ([]models.RawBar, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '{' {
		return nil, classifyJSON(trimmed)
	}

	var rows []*models.RawBar
	if err := gocsv.UnmarshalBytes(trimmed, &rows); err != nil {
		return nil, apperrors.NewProviderTransientError(alphaVantageName, http.StatusOK, "unparseable csv", err)
	}
	bars := make([]models.RawBar, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, *r)
	}
	return bars, nil
}

func classifyJSON(body []byte) error {
	var msg map[string]interface{}
	if err := json.Unmarshal(body, &msg); err != nil {
		return apperrors.NewProviderTransientError(alphaVantageName, http.StatusOK, "unparseable json", err)
	}

	if text, ok := msg["Error Message"].(string); ok {
		if strings.Contains(strings.ToLower(text), "apikey") {
			return apperrors.NewProviderAuthError(alphaVantageName, text)
		}
		return apperrors.NewProviderRequestError(alphaVantageName, text)
	}
	for _, key := range []string{"Note", "Information"} {
		if text, ok := msg[key].(string); ok {
			return apperrors.NewProviderTransientError(alphaVantageName, http.StatusOK, text, apperrors.ErrRateLimited)
		}
	}
	return apperrors.NewProviderRequestError(alphaVantageName, "unexpected json response: "+snippet(body))
}

func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
