package tlsconf

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKeyIsDeterministic(t *testing.T) {
	a, err := deriveKey("s3cret")
	require.NoError(t, err)
	b, err := deriveKey("s3cret")
	require.NoError(t, err)
	c, err := deriveKey("other")
	require.NoError(t, err)

	require.Zero(t, a.D.Cmp(b.D))
	require.NotZero(t, a.D.Cmp(c.D))
	require.True(t, a.Curve.IsOnCurve(a.X, a.Y))
}

// handshake runs one TLS handshake over loopback and returns the client error.
func handshake(t *testing.T, serverPass, clientPass string) error {
	t.Helper()
	srvCfg, err := Server(serverPass)
	require.NoError(t, err)
	cliCfg, err := Client(clientPass)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_ = c.(*tls.Conn).Handshake()
		_ = c.Close()
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	cli := tls.Client(conn, cliCfg)
	defer cli.Close()
	return cli.Handshake()
}

func TestHandshake(t *testing.T) {
	require.NoError(t, handshake(t, "s3cret", "s3cret"))
	require.NoError(t, handshake(t, "", DefaultPassphrase))

	require.ErrorIs(t, handshake(t, "s3cret", "wrong"), ErrKeyMismatch)
}
