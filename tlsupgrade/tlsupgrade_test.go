package tlsupgrade_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/go-pluto/imaplogind/tlsupgrade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"imaplogind test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        cert,
	}
}

func TestUpgradeCompletesHandshake(t *testing.T) {

	cert := selfSignedCert(t)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{InsecureSkipVerify: true}

	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()

	serverDone := make(chan error, 1)
	go func() {
		_, err := tlsupgrade.Upgrade(serverRaw, serverCfg)
		serverDone <- err
	}()

	clientConn := tls.Client(clientRaw, clientCfg)
	require.NoError(t, clientConn.Handshake())

	require.NoError(t, <-serverDone)
}

func TestUpgradeFailsOnHandshakeMismatch(t *testing.T) {

	cert := selfSignedCert(t)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}
	clientCfg := &tls.Config{InsecureSkipVerify: true, MaxVersion: tls.VersionTLS11}

	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()

	serverDone := make(chan error, 1)
	go func() {
		_, err := tlsupgrade.Upgrade(serverRaw, serverCfg)
		serverDone <- err
	}()

	clientConn := tls.Client(clientRaw, clientCfg)
	_ = clientConn.Handshake()

	err := <-serverDone
	assert.Error(t, err)
}
