package connectivity

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// HealthChecker is satisfied by the authority client.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Probe reports whether the station can reach a network and the authority.
// A failed check is treated as absence and never returned as an error.
type Probe struct {
	addrs     []string
	timeout   time.Duration
	authority HealthChecker
	forced    bool
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)

	network   atomic.Bool
	reachable atomic.Bool
}

// Options tune a Probe.
type Options struct {
	Addrs   []string
	Timeout time.Duration
	// ForceOffline makes every check report absence.
	ForceOffline bool
}

func New(authority HealthChecker, opts Options) *Probe {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &Probe{
		addrs:     opts.Addrs,
		timeout:   opts.Timeout,
		authority: authority,
		forced:    opts.ForceOffline,
		dial:      d.DialContext,
	}
}

// HasNetwork dials the configured addresses in parallel and succeeds on the
// first connection.
func (p *Probe) HasNetwork(ctx context.Context) bool {
	ok := p.checkNetwork(ctx)
	p.network.Store(ok)
	return ok
}

func (p *Probe) checkNetwork(ctx context.Context) bool {
	if p.forced || len(p.addrs) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	results := make(chan bool, len(p.addrs))
	for _, addr := range p.addrs {
		go func(addr string) {
			conn, err := p.dial(ctx, "tcp", addr)
			if err != nil {
				results <- false
				return
			}
			_ = conn.Close()
			results <- true
		}(addr)
	}
	for range p.addrs {
		select {
		case ok := <-results:
			if ok {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// HasAuthority asks the authority for any sub-500 reply within the timeout.
func (p *Probe) HasAuthority(ctx context.Context) bool {
	ok := p.checkAuthority(ctx)
	p.reachable.Store(ok)
	return ok
}

func (p *Probe) checkAuthority(ctx context.Context) bool {
	if p.forced || p.authority == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.authority.Health(ctx) == nil
}

// LastKnown returns the most recent results without probing.
func (p *Probe) LastKnown() (network, authority bool) {
	return p.network.Load(), p.reachable.Load()
}
