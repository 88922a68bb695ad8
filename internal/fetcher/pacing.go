package fetcher

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"time"
)

// hostPacer serializes requests per host and enforces the polite
// inter-request delay. Concurrent callers to the same host queue at the
// pacing gate.
type hostPacer struct {
	hosts    map[string]*hostState
	mu       sync.Mutex
	minDelay time.Duration
	maxDelay time.Duration
}

type hostState struct {
	mu          sync.Mutex
	lastRequest time.Time
	successes   int
	recent4xx   []time.Time
}

func newHostPacer(minDelay, maxDelay time.Duration) *hostPacer {
	// Politeness floor: never pace below one second.
	if minDelay < time.Second {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &hostPacer{
		hosts:    make(map[string]*hostState),
		minDelay: minDelay,
		maxDelay: maxDelay,
	}
}

func (p *hostPacer) state(host string) *hostState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.hosts[host]
	if !ok {
		s = &hostState{}
		p.hosts[host] = s
	}
	return s
}

// wait blocks until the host's polite delay has elapsed, then stamps the
// request time. The per-request jitter is independent of the uniform
// inter-request wait.
func (p *hostPacer) wait(ctx context.Context, host string) error {
	s := p.state(host)
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := p.minDelay + time.Duration(rand.Float64()*float64(p.maxDelay-p.minDelay))
	jitter := time.Duration(rand.Float64() * float64(250*time.Millisecond))

	if !s.lastRequest.IsZero() {
		nextAllowed := s.lastRequest.Add(delay)
		if wait := time.Until(nextAllowed) + jitter; wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	s.lastRequest = time.Now()
	return nil
}

// recordSuccess bumps the per-host success counter and returns its value.
func (p *hostPacer) recordSuccess(host string) int {
	s := p.state(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	s.recent4xx = nil
	return s.successes
}

// record4xx notes a non-retryable 4xx and reports whether three have now
// occurred within the window.
func (p *hostPacer) record4xx(host string, window time.Duration) bool {
	s := p.state(host)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	kept := s.recent4xx[:0]
	for _, t := range s.recent4xx {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	s.recent4xx = append(kept, now)
	return len(s.recent4xx) >= 3
}

func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
