package connectivity

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type healthFunc func(ctx context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

func listener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestHasNetwork_AnyAddressSuffices(t *testing.T) {
	p := New(nil, Options{Addrs: []string{closedAddr(t), listener(t)}, Timeout: time.Second})
	assert.True(t, p.HasNetwork(context.Background()))

	network, _ := p.LastKnown()
	assert.True(t, network)
}

func TestHasNetwork_AllDownIsAbsence(t *testing.T) {
	p := New(nil, Options{Addrs: []string{closedAddr(t)}, Timeout: 500 * time.Millisecond})
	assert.False(t, p.HasNetwork(context.Background()))
	assert.False(t, New(nil, Options{}).HasNetwork(context.Background()))
}

func TestHasNetwork_BoundedByTimeout(t *testing.T) {
	p := New(nil, Options{Addrs: []string{"10.255.255.1:53"}, Timeout: 50 * time.Millisecond})
	p.dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	start := time.Now()
	assert.False(t, p.HasNetwork(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHasAuthority(t *testing.T) {
	up := New(healthFunc(func(context.Context) error { return nil }), Options{})
	assert.True(t, up.HasAuthority(context.Background()))
	_, authority := up.LastKnown()
	assert.True(t, authority)

	down := New(healthFunc(func(context.Context) error { return errors.New("refused") }), Options{})
	assert.False(t, down.HasAuthority(context.Background()))
	assert.False(t, New(nil, Options{}).HasAuthority(context.Background()))
}

func TestForceOffline(t *testing.T) {
	p := New(healthFunc(func(context.Context) error { return nil }), Options{
		Addrs:        []string{listener(t)},
		ForceOffline: true,
	})
	assert.False(t, p.HasNetwork(context.Background()))
	assert.False(t, p.HasAuthority(context.Background()))
}
