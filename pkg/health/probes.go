package health

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Probe is one health probe attempt. Implementations must honor the
// context deadline and return nil only for a healthy target.
type Probe interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) error

// Probe implements Probe.
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// Validator optionally rejects an otherwise-successful probe result, for
// custom checks layered on a transport probe.
type Validator func() error

// NewHTTPProbe probes url with a GET and treats any 2xx as healthy.
// client may be nil to use a short-lived default.
func NewHTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return ProbeFunc(func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("http probe %s: %w", url, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("http probe %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("http probe %s: status %d", url, resp.StatusCode)
		}
		return nil
	})
}

// NewTCPProbe probes addr by opening and closing a connection.
func NewTCPProbe(addr string) Probe {
	var d net.Dialer
	return ProbeFunc(func(ctx context.Context) error {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("tcp probe %s: %w", addr, err)
		}
		return conn.Close()
	})
}

// NewDatabaseProbe probes db with a ping.
func NewDatabaseProbe(db *sql.DB) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database probe: %w", err)
		}
		return nil
	})
}

// NewQueueDepthProbe probes a queue by depth: healthy while the reported
// depth stays at or under maxDepth.
func NewQueueDepthProbe(depth func(ctx context.Context) (int, error), maxDepth int) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		n, err := depth(ctx)
		if err != nil {
			return fmt.Errorf("queue depth probe: %w", err)
		}
		if n > maxDepth {
			return fmt.Errorf("queue depth %d exceeds limit %d", n, maxDepth)
		}
		return nil
	})
}

// WithValidator wraps a probe so that validate can reject a successful
// probe, e.g. a reachable endpoint serving stale data.
func WithValidator(p Probe, validate Validator) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		if err := p.Probe(ctx); err != nil {
			return err
		}
		if err := validate(); err != nil {
			return fmt.Errorf("probe validation: %w", err)
		}
		return nil
	})
}
