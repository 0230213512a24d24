package dns

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupLiteral(t *testing.T) {
	ip, err := Lookup(context.Background(), "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", ip)

	ip, err = Lookup(context.Background(), "::1")
	require.NoError(t, err)
	assert.Equal(t, "::1", ip)
}

func TestPickIPPrefersIPv4(t *testing.T) {
	ip, err := pickIP([]string{"2001:db8::1", "192.0.2.7"})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", ip)

	ip, err = pickIP([]string{"2001:db8::1"})
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ip)

	_, err = pickIP(nil)
	assert.ErrorIs(t, err, ErrNoAddresses)
}

func TestDialContextLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		close(accepted)
	}()

	r := &Resolver{NoFallback: true}
	conn, err := r.DialContext(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
	<-accepted

	_, err = r.DialContext(context.Background(), "tcp", "missing-port")
	assert.Error(t, err)
}
