// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/opcreset/opcreset/lib/config"
	"github.com/opcreset/opcreset/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TLSSuite{})

type TLSSuite struct {
	dir string
	cfg config.TLSConfig
}

func (s *TLSSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	s.cfg = config.TLSConfig{
		Certificate: filepath.Join(s.dir, "server.crt"),
		Key:         filepath.Join(s.dir, "server.key"),
	}
}

// writeKeyPair writes a self-signed certificate for 127.0.0.1 with
// the given common name to s.cfg's paths.
func (s *TLSSuite) writeKeyPair(c *check.C, cn string) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	c.Assert(err, check.IsNil)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	c.Assert(err, check.IsNil)
	keyDER, err := x509.MarshalECPrivateKey(key)
	c.Assert(err, check.IsNil)
	err = os.WriteFile(s.cfg.Certificate, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644)
	c.Assert(err, check.IsNil)
	err = os.WriteFile(s.cfg.Key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600)
	c.Assert(err, check.IsNil)
}

func servedCommonName(c *check.C, tlsConfig *tls.Config) string {
	cert, err := tlsConfig.GetCertificate(&tls.ClientHelloInfo{})
	c.Assert(err, check.IsNil)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	c.Assert(err, check.IsNil)
	return leaf.Subject.CommonName
}

func (s *TLSSuite) TestReloadOnSIGHUP(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.writeKeyPair(c, "first")
	tlsConfig, err := tlsConfigWithCertUpdater(ctx, s.cfg, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Check(tlsConfig.MinVersion, check.Equals, uint16(tls.VersionTLS12))
	c.Check(servedCommonName(c, tlsConfig), check.Equals, "first")

	s.writeKeyPair(c, "second")
	c.Check(servedCommonName(c, tlsConfig), check.Equals, "first")
	c.Assert(syscall.Kill(syscall.Getpid(), syscall.SIGHUP), check.IsNil)
	deadline := time.Now().Add(5 * time.Second)
	for servedCommonName(c, tlsConfig) != "second" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.Check(servedCommonName(c, tlsConfig), check.Equals, "second")
}

// A key pair that fails to load on SIGHUP leaves the previous
// certificate in service.
func (s *TLSSuite) TestReloadFailureKeepsCertificate(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.writeKeyPair(c, "first")
	var logbuf lockedBuffer
	tlsConfig, err := tlsConfigWithCertUpdater(ctx, s.cfg, ctxlog.New(&logbuf, "text", "info"))
	c.Assert(err, check.IsNil)

	c.Assert(os.WriteFile(s.cfg.Key, []byte("garbage"), 0600), check.IsNil)
	c.Assert(syscall.Kill(syscall.Getpid(), syscall.SIGHUP), check.IsNil)
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(logbuf.String(), "error updating TLS certificate") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.Check(logbuf.String(), check.Matches, `(?ms).*error updating TLS certificate.*`)
	c.Check(servedCommonName(c, tlsConfig), check.Equals, "first")
}

func (s *TLSSuite) TestMissingKeyPair(c *check.C) {
	_, err := tlsConfigWithCertUpdater(context.Background(), s.cfg, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `error loading X509 key pair: .*`)
}

// The service serves the management API over TLS when a key pair is
// configured.
func (s *TLSSuite) TestServiceWithTLS(c *check.C) {
	s.writeKeyPair(c, "service")
	stdin := strings.NewReader(`
LocalCache:
  Address: 127.0.0.1:1
Timeouts:
  Connect: 100ms
Service:
  Listen: "127.0.0.1:0"
  ManagementToken: abcde
  TLS:
    Certificate: ` + s.cfg.Certificate + `
    Key: ` + s.cfg.Key + `
SystemLogs:
  Format: text
`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := Command()
	cmd.(*command).ctx = ctx

	stderr := &lockedBuffer{}
	exited := make(chan int)
	go func() {
		exited <- cmd.RunCommand("opcache-reset-service", []string{"-config", "-"}, stdin, &lockedBuffer{}, stderr)
	}()
	listenRe := regexp.MustCompile(`msg=listening.* Listen="?([0-9.:]+)"? .*TLS=true`)
	var addr string
	deadline := time.After(10 * time.Second)
	for addr == "" {
		if m := listenRe.FindStringSubmatch(stderr.String()); m != nil {
			addr = m[1]
			break
		}
		select {
		case code := <-exited:
			c.Fatalf("command exited %d before listening: %s", code, stderr.String())
		case <-deadline:
			c.Fatalf("timed out: %s", stderr.String())
		case <-time.After(10 * time.Millisecond):
		}
	}

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	req, err := http.NewRequest("GET", "https://"+addr+"/_health/ping", nil)
	c.Assert(err, check.IsNil)
	req.Header.Set("Authorization", "Bearer abcde")
	resp, err := client.Do(req)
	c.Assert(err, check.IsNil)
	resp.Body.Close()
	// Region and LoadBalancer are not configured, so the gate is
	// closed.
	c.Check(resp.StatusCode, check.Equals, http.StatusServiceUnavailable)
	c.Check(resp.TLS, check.NotNil)

	cancel()
	select {
	case code := <-exited:
		c.Check(code, check.Equals, 0)
	case <-time.After(10 * time.Second):
		c.Error("timed out waiting for shutdown")
	}
}
