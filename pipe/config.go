// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipe

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/udptlspipe/udptlspipe/fingerprint"
	"github.com/udptlspipe/udptlspipe/transport"
)

// Defaults applied to zero fields of [Config].
const (
	DefaultDialTimeout   = 30 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultAuthTimeout   = 10 * time.Second
	DefaultKeepAlive     = 30 * time.Second
	DefaultCloseGrace    = 2 * time.Second
	DefaultListenAddress = "127.0.0.1"
)

// Config describes one tunnel.
type Config struct {
	// Destination is the host:port of the server.
	Destination string
	// Password enables the authentication exchange when not empty.
	Password string
	// ServerName overrides the SNI and the certificate name. Defaults to the destination host.
	ServerName string
	// Secure enables certificate verification.
	Secure bool
	// ProxyURL is an optional http, https or socks5 proxy URL.
	ProxyURL string
	// Profile names the ClientHello to present. Empty selects [fingerprint.DefaultProfile].
	Profile string
	// ListenPort is the local UDP port. 0 picks an ephemeral port.
	ListenPort int

	// RootCAs replaces the system roots when Secure is set.
	RootCAs *x509.CertPool
	// BaseDialer makes the TCP connections to the destination or the proxy.
	// Defaults to a [transport.TCPDialer] with keep-alive.
	BaseDialer transport.StreamDialer
	// Catalog resolves Profile. Defaults to a catalog private to the session.
	Catalog *fingerprint.Catalog
	// Logger receives the session logs. Defaults to discarding them.
	Logger *slog.Logger

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	AuthTimeout  time.Duration
	// CloseGrace bounds how long Close waits for an in-flight frame write.
	CloseGrace time.Duration
}

// withDefaults validates cfg and returns a copy with the defaults applied, plus the resolved
// destination host and profile.
func (cfg Config) withDefaults() (Config, string, fingerprint.Profile, error) {
	host, portStr, err := net.SplitHostPort(cfg.Destination)
	if err != nil {
		return cfg, "", "", newError(KindConfig, "parse destination", err)
	}
	if host == "" {
		return cfg, "", "", newError(KindConfig, "parse destination", fmt.Errorf("missing host in %q", cfg.Destination))
	}
	if port, err := strconv.ParseUint(portStr, 10, 16); err != nil || port == 0 {
		return cfg, "", "", newError(KindConfig, "parse destination", fmt.Errorf("invalid port %q", portStr))
	}
	if cfg.ListenPort < 0 || cfg.ListenPort > 65535 {
		return cfg, "", "", newError(KindConfig, "check listen port", fmt.Errorf("port %d out of range", cfg.ListenPort))
	}
	profile, err := fingerprint.ParseProfile(cfg.Profile)
	if err != nil {
		return cfg, "", "", newError(KindConfig, "parse profile", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if cfg.BaseDialer == nil {
		cfg.BaseDialer = &transport.TCPDialer{Dialer: net.Dialer{KeepAlive: DefaultKeepAlive}}
	}
	if cfg.Catalog == nil {
		cfg.Catalog = fingerprint.NewCatalog()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return cfg, host, profile, nil
}
