// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opcreset/opcreset/lib/config"
	"github.com/sirupsen/logrus"
)

// tlsConfigWithCertUpdater returns a TLS config that serves the
// configured certificate, reloading it from disk on SIGHUP until ctx
// is done. SIGHUP is being watched by the time it returns.
func tlsConfigWithCertUpdater(ctx context.Context, cfg config.TLSConfig, logger logrus.FieldLogger) (*tls.Config, error) {
	currentCert := make(chan *tls.Certificate, 1)
	loaded := false

	update := func() error {
		cert, err := tls.LoadX509KeyPair(cfg.Certificate, cfg.Key)
		if err != nil {
			return fmt.Errorf("error loading X509 key pair: %w", err)
		}
		if loaded {
			<-currentCert
		}
		currentCert <- &cert
		loaded = true
		return nil
	}
	if err := update(); err != nil {
		return nil, err
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		defer signal.Stop(reload)
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
			}
			if err := update(); err != nil {
				logger.WithError(err).Warn("error updating TLS certificate")
			} else {
				logger.Info("reloaded TLS certificate")
			}
		}
	}()

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
		},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := <-currentCert
			currentCert <- cert
			return cert, nil
		},
	}, nil
}
