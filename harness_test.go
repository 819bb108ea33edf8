package nio_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nio-ev/nio"
)

// startLoop opens a Loop, runs it on a background goroutine for the
// duration of the test, and arranges for a clean Shutdown at t.Cleanup.
func startLoop(t *testing.T) *nio.Loop {
	t.Helper()
	loop, err := nio.NewLoop(4)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run() }()

	t.Cleanup(func() {
		loop.Shutdown()
		select {
		case err := <-runErr:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("loop did not shut down in time")
		}
	})
	return loop
}

// listenLoopback starts a Server bound to an ephemeral loopback port with
// onConn as its OnConnection hook, attaches it to loop and returns its
// resolved address.
func listenLoopback(t *testing.T, loop *nio.Loop, onConn func(*nio.Server, net.Addr) *nio.Socket) *net.TCPAddr {
	t.Helper()
	srv := nio.NewServer(0)
	srv.OnConnection = onConn
	require.NoError(t, srv.Listen(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}))
	require.NoError(t, srv.Attach(loop))
	t.Cleanup(func() { _ = srv.Close() })
	return srv.Addr().(*net.TCPAddr)
}

// selfSignedCert generates a throwaway ECDSA certificate for loopback TLS tests.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: cert}
}
