package fetch

import (
	"context"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"
)

// HostGate enforces a minimum interval between requests to the same remote
// host across all workers. A worker asks for a slot before each request;
// slot grants are serialised under the mutex, so the interval holds no
// matter how wide the worker pool is.
type HostGate struct {
	mu       sync.Mutex
	next     map[string]time.Time
	interval time.Duration
	jitter   time.Duration
}

// NewHostGate creates a gate with the given minimum inter-request interval
// per host, plus up to jitter of random extra spacing per grant.
func NewHostGate(interval, jitter time.Duration) *HostGate {
	return &HostGate{
		next:     make(map[string]time.Time),
		interval: interval,
		jitter:   jitter,
	}
}

// Wait blocks until the host's next permitted slot, then claims it.
// Returns early with ctx.Err() on cancellation.
func (g *HostGate) Wait(ctx context.Context, host string) error {
	if g.interval <= 0 && g.jitter <= 0 {
		return nil
	}
	for {
		g.mu.Lock()
		now := time.Now()
		at, ok := g.next[host]
		if !ok || !at.After(now) {
			g.next[host] = now.Add(g.spacing())
			g.mu.Unlock()
			return nil
		}
		wait := at.Sub(now)
		g.mu.Unlock()

		// Sleep and re-contend: another worker may take the slot first.
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (g *HostGate) spacing() time.Duration {
	d := g.interval
	if g.jitter > 0 {
		d += rand.N(g.jitter)
	}
	return d
}

// HostOf extracts the gate key from a URL. Unparseable URLs share one key;
// they fail fast in the fetcher anyway.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "?"
	}
	return u.Hostname()
}
