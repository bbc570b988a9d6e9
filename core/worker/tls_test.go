package worker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/prefork/core"
	"github.com/searchktools/prefork/core/http"
	"github.com/searchktools/prefork/core/socket"
)

// writeCertificate writes a self-signed certificate for 127.0.0.1 and
// returns the cert and key paths.
func writeCertificate(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "prefork test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestServeSecure(t *testing.T) {
	cfg := testConfig()
	cfg.Bind.Insecure = nil
	cfg.Bind.Secure = []string{"127.0.0.1:0"}
	cfg.TLS.CertFile, cfg.TLS.KeyFile = writeCertificate(t)

	e := core.NewEngine()
	e.GET("/proto", func(ctx http.Context) error {
		ctx.String(200, ctx.Request().Proto)
		return nil
	})

	set, err := socket.Bind(context.Background(), cfg.Bind, 16, nil)
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })
	rt := newRuntime(t, cfg, e)
	cancel, errc := start(t, rt, set, nil)
	url := fmt.Sprintf("https://%s/proto", set.Secure[0].Addr())

	for _, tc := range []struct {
		name   string
		protos []string
		major  int
	}{
		{"h2", []string{"h2", "http/1.1"}, 2},
		{"http1", []string{"http/1.1"}, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr := &nethttp.Transport{
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: true, NextProtos: tc.protos},
				ForceAttemptHTTP2: tc.major == 2,
			}
			defer tr.CloseIdleConnections()
			c := &nethttp.Client{Timeout: 5 * time.Second, Transport: tr}

			resp, err := c.Get(url)
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, tc.major, resp.ProtoMajor)
			assert.True(t, strings.HasPrefix(string(body), fmt.Sprintf("HTTP/%d", tc.major)), string(body))
			assert.Equal(t, "prefork", resp.Header.Get("Server"))
		})
	}

	cancel()
	assert.NoError(t, result(t, errc))
}

func TestServeSilentTLSClientDoesNotDelayStop(t *testing.T) {
	cfg := testConfig()
	cfg.Bind.Insecure = nil
	cfg.Bind.Secure = []string{"127.0.0.1:0"}
	cfg.TLS.CertFile, cfg.TLS.KeyFile = writeCertificate(t)

	set, err := socket.Bind(context.Background(), cfg.Bind, 16, nil)
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })
	rt := newRuntime(t, cfg, core.NewEngine())
	cancel, errc := start(t, rt, set, nil)

	conn, err := net.Dial("tcp", set.Secure[0].Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	waitAccepted(t, rt, 1)

	begin := time.Now()
	cancel()
	assert.NoError(t, result(t, errc))
	assert.Less(t, time.Since(begin), 2*time.Second)
}
