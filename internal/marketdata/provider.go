// Package marketdata fetches raw bars from a quote provider under the shared
// rate budget and retry policy. It never touches the dataset store.
package marketdata

import (
	"context"
	"fmt"
	"sync"

	"barkeeper/internal/models"
)

// Request identifies one provider call.
type Request struct {
	Symbol      models.Symbol
	Granularity models.Granularity
	Mode        models.FetchMode
}

func (r Request) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Symbol, r.Granularity, r.Mode)
}

// Provider is a quote source. Implementations return bars in whatever order
// and timestamp format the upstream uses.
type Provider interface {
	Name() string
	Bars(ctx context.Context, req Request) ([]models.RawBar, error)
}

type staticKey struct {
	symbol models.Symbol
	g      models.Granularity
}

// StaticProvider serves canned bars, for dry runs and tests.
type StaticProvider struct {
	mu      sync.Mutex
	bars    map[staticKey][]models.RawBar
	compact int
	errs    map[staticKey][]error
	calls   []Request
}

// NewStaticProvider creates an empty static provider. Compact requests return
// at most compactBars of the newest bars; 0 means unlimited.
func NewStaticProvider(compactBars int) *StaticProvider {
	return &StaticProvider{
		bars:    make(map[staticKey][]models.RawBar),
		compact: compactBars,
		errs:    make(map[staticKey][]error),
	}
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return "static" }

// Set replaces the bars served for a symbol and granularity. Bars are
// expected oldest first.
func (p *StaticProvider) Set(symbol models.Symbol, g models.Granularity, bars []models.RawBar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[staticKey{symbol, g}] = append([]models.RawBar(nil), bars...)
}

// FailNext queues errors returned by the next calls for a symbol and
// granularity, one per call.
func (p *StaticProvider) FailNext(symbol models.Symbol, g models.Granularity, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := staticKey{symbol, g}
	p.errs[k] = append(p.errs[k], errs...)
}

// Calls returns every request received so far.
func (p *StaticProvider) Calls() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.calls...)
}

// Bars implements Provider.
func (p *StaticProvider) Bars(ctx context.Context, req Request) ([]models.RawBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, req)
	k := staticKey{req.Symbol, req.Granularity}
	if queued := p.errs[k]; len(queued) > 0 {
		p.errs[k] = queued[1:]
		return nil, queued[0]
	}

	bars := p.bars[k]
	if req.Mode == models.Compact && p.compact > 0 && len(bars) > p.compact {
		bars = bars[len(bars)-p.compact:]
	}
	return append([]models.RawBar(nil), bars...), nil
}
