package observer

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Prober infers reachability by polling the backend health endpoint.
type Prober struct {
	client   *http.Client
	url      string
	interval time.Duration
	logger   zerolog.Logger
}

func NewProber(baseURL, healthPath string, interval, timeout time.Duration, logger zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		client:   &http.Client{Timeout: timeout},
		url:      strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(healthPath, "/"),
		interval: interval,
		logger:   logger.With().Str("component", "prober").Logger(),
	}
}

// Check reports whether the backend answered below 500.
func (p *Prober) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug().Err(err).Msg("health probe failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes immediately and then every interval, calling report with the
// first result and on every change.
func (p *Prober) Run(ctx context.Context, report func(ctx context.Context, online bool)) {
	last := p.Check(ctx)
	report(ctx, last)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := p.Check(ctx)
			if ctx.Err() != nil {
				return
			}
			if cur != last {
				last = cur
				report(ctx, cur)
			}
		}
	}
}
