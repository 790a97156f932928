// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cachetool runs opcode cache commands in a PHP runtime over
// FastCGI.
//
// Each command is a small script written to a file that the runtime
// can read (see Client.WorkDir) and executed with a single FastCGI
// request. The script prints a JSON object {"result":bool,"error":...}.
package cachetool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opcreset/opcreset/lib/config"
	"github.com/sirupsen/logrus"
	fcgiclient "github.com/tomasen/fcgi_client"
)

// Script source for each command.
const (
	resetScript = `<?php
header('Content-Type: application/json');
$result = false;
$error = null;
if (!function_exists('opcache_reset')) {
    $error = 'opcache extension is not loaded';
} else {
    $result = (bool) opcache_reset();
}
echo json_encode(array('result' => $result, 'error' => $error));
`
	statusScript = `<?php
header('Content-Type: application/json');
echo json_encode(array(
    'result' => function_exists('opcache_reset') && (bool) ini_get('opcache.enable'),
    'error' => null,
));
`
)

// Largest response body accepted from a script.
const maxResponseSize = 1 << 16

// RemoteError is returned when the runtime executed the script but
// the script reported an error.
type RemoteError struct {
	Address string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Address, e.Message)
}

// Client sends cache commands to PHP runtimes. It holds no
// connections between calls; each call dials, sends one request and
// disconnects.
type Client struct {
	// FastCGI port, used when a host is given without one.
	Port int
	// If non-empty, scripts are written under WorkDir and
	// identified to the runtime by their path relative to WorkDir,
	// as seen by a runtime chrooted there. Otherwise they are
	// written to the system temp dir and identified by absolute
	// path.
	WorkDir string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	Logger logrus.FieldLogger
}

// NewClient returns a Client configured from cfg.
func NewClient(cfg *config.Config, logger logrus.FieldLogger) *Client {
	return &Client{
		Port:           cfg.Port,
		WorkDir:        cfg.WorkDir,
		ConnectTimeout: cfg.Timeouts.Connect.Duration(),
		RequestTimeout: cfg.Timeouts.Request.Duration(),
		Logger:         logger,
	}
}

// Reset clears the opcode cache of the runtime on the given host. It
// returns the runtime's own success flag. There are no retries.
func (c *Client) Reset(ctx context.Context, host string) (bool, error) {
	return c.run(ctx, c.address(host), resetScript)
}

// Status reports whether the opcode cache of the runtime at addr is
// loaded and enabled.
func (c *Client) Status(ctx context.Context, addr string) (bool, error) {
	return c.run(ctx, c.address(addr), statusScript)
}

// address returns host:Port, or host itself if it already includes a
// port or is a "unix:" socket path.
func (c *Client) address(host string) string {
	if strings.HasPrefix(host, "unix:") {
		return host
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

func splitAddress(addr string) (network, address string) {
	if strings.HasPrefix(addr, "unix:") {
		return "unix", strings.TrimPrefix(addr, "unix:")
	}
	return "tcp", addr
}

func (c *Client) run(ctx context.Context, addr, script string) (bool, error) {
	logger := c.Logger.WithField("Address", addr)
	if c.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.RequestTimeout)
		defer cancel()
	}

	path, err := c.writeScript(script)
	if err != nil {
		return false, err
	}
	defer os.Remove(path)
	filename, err := c.scriptFilename(path)
	if err != nil {
		return false, err
	}

	network, address := splitAddress(addr)
	fc, err := fcgiclient.DialTimeout(network, address, c.ConnectTimeout)
	if err != nil {
		return false, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer fc.Close()

	// Closing the connection is the only way to interrupt a
	// request in progress.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			fc.Close()
		case <-done:
		}
	}()

	scriptName := "/" + filepath.Base(filename)
	resp, err := fc.Get(map[string]string{
		"GATEWAY_INTERFACE": "FastCGI/1.0",
		"SERVER_SOFTWARE":   "opcache-reset",
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"SERVER_NAME":       "localhost",
		"SERVER_ADDR":       "127.0.0.1",
		"SERVER_PORT":       "80",
		"REMOTE_ADDR":       "127.0.0.1",
		"SCRIPT_FILENAME":   filename,
		"SCRIPT_NAME":       scriptName,
		"REQUEST_URI":       scriptName,
		"DOCUMENT_ROOT":     filepath.Dir(filename),
	})
	if ctx.Err() != nil {
		return false, fmt.Errorf("request to %s: %w", addr, ctx.Err())
	} else if err != nil {
		return false, fmt.Errorf("request to %s: %w", addr, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if ctx.Err() != nil {
		return false, fmt.Errorf("reading response from %s: %w", addr, ctx.Err())
	} else if err != nil {
		return false, fmt.Errorf("reading response from %s: %w", addr, err)
	}
	if resp.StatusCode != 200 {
		return false, fmt.Errorf("%s: runtime returned status %d: %q", addr, resp.StatusCode, truncate(body))
	}

	var result struct {
		Result bool
		Error  *string
	}
	err = json.Unmarshal(body, &result)
	if err != nil {
		return false, fmt.Errorf("%s: cannot parse script output %q: %w", addr, truncate(body), err)
	}
	if result.Error != nil && *result.Error != "" {
		return false, &RemoteError{Address: addr, Message: *result.Error}
	}
	logger.WithField("Result", result.Result).Debug("script finished")
	return result.Result, nil
}

func (c *Client) writeScript(script string) (string, error) {
	dir := c.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "opcache-reset-*.php")
	if err != nil {
		return "", fmt.Errorf("creating script file: %w", err)
	}
	_, err = f.WriteString(script)
	if err == nil {
		// The runtime usually runs as a different user.
		err = f.Chmod(0644)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing script file: %w", err)
	}
	return f.Name(), nil
}

// scriptFilename returns the name by which the runtime can open the
// script file at path.
func (c *Client) scriptFilename(path string) (string, error) {
	if c.WorkDir == "" {
		return path, nil
	}
	rel, err := filepath.Rel(c.WorkDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("script file %s is outside WorkDir %s", path, c.WorkDir)
	}
	return "/" + rel, nil
}

func truncate(buf []byte) string {
	if len(buf) > 200 {
		return string(buf[:200]) + "..."
	}
	return string(buf)
}
