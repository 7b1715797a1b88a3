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

// Package proxy creates the [transport.StreamDialer] that reaches a destination through the proxy
// named by a URL.
//
// Supported schemes:
//
//	http://[user:pass@]host[:port]     HTTP CONNECT, port 80 by default
//	https://[user:pass@]host[:port]    HTTP CONNECT over TLS, port 443 by default
//	socks5://[user:pass@]host[:port]   SOCKS5 CONNECT, port 1080 by default (also socks5h, socks)
//
// An empty URL means a direct connection.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/udptlspipe/udptlspipe/transport"
	"github.com/udptlspipe/udptlspipe/transport/httpconnect"
	"github.com/udptlspipe/udptlspipe/transport/socks5"
	"github.com/udptlspipe/udptlspipe/transport/tls"
)

// ErrUnsupportedScheme is returned for proxy URLs with a scheme outside the supported set.
var ErrUnsupportedScheme = errors.New("unsupported proxy scheme")

type options struct {
	userAgent  string
	tlsOptions []tls.ClientOption
}

// Option configures how the proxy is used.
type Option func(o *options)

// WithUserAgent sets the User-Agent of HTTP CONNECT requests.
func WithUserAgent(userAgent string) Option {
	return func(o *options) {
		o.userAgent = userAgent
	}
}

// WithTLSOptions configures the TLS connection to an https proxy.
func WithTLSOptions(tlsOptions ...tls.ClientOption) Option {
	return func(o *options) {
		o.tlsOptions = append(o.tlsOptions, tlsOptions...)
	}
}

// NewStreamDialer returns a dialer that connects through the proxy at proxyURL, using base for the
// connection to the proxy. An empty proxyURL returns base.
func NewStreamDialer(proxyURL string, base transport.StreamDialer, opts ...Option) (transport.StreamDialer, error) {
	if base == nil {
		return nil, errors.New("base dialer must not be nil")
	}
	if strings.TrimSpace(proxyURL) == "" {
		return base, nil
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	u, err := url.Parse(strings.TrimSpace(proxyURL))
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("proxy URL %q has no host", Redact(proxyURL))
	}

	switch scheme := strings.ToLower(u.Scheme); scheme {
	case "http":
		endpoint := &transport.StreamDialerEndpoint{Dialer: base, Address: hostPort(u, "80")}
		return newHTTPDialer(endpoint, u, &o)

	case "https":
		address := hostPort(u, "443")
		tlsDialer, err := tls.NewStreamDialer(base, o.tlsOptions...)
		if err != nil {
			return nil, err
		}
		endpoint := &transport.StreamDialerEndpoint{Dialer: tlsDialer, Address: address}
		return newHTTPDialer(endpoint, u, &o)

	case "socks5", "socks5h", "socks":
		endpoint := &transport.StreamDialerEndpoint{Dialer: base, Address: hostPort(u, "1080")}
		dialer, err := socks5.NewStreamDialer(endpoint)
		if err != nil {
			return nil, err
		}
		if u.User != nil {
			username := u.User.Username()
			password, _ := u.User.Password()
			if err := dialer.SetCredentials([]byte(username), []byte(password)); err != nil {
				return nil, fmt.Errorf("invalid SOCKS5 credentials: %w", err)
			}
		}
		return dialer, nil

	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, scheme)
	}
}

func newHTTPDialer(endpoint transport.StreamEndpoint, u *url.URL, o *options) (transport.StreamDialer, error) {
	clientOpts := []httpconnect.ClientOption{httpconnect.WithUserAgent(o.userAgent)}
	if u.User != nil {
		password, _ := u.User.Password()
		clientOpts = append(clientOpts, httpconnect.WithBasicAuth(u.User.Username(), password))
	}
	return httpconnect.NewStreamDialer(endpoint, clientOpts...)
}

func hostPort(u *url.URL, defaultPort string) string {
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// Redact returns proxyURL with the credentials replaced, for logging.
func Redact(proxyURL string) string {
	const redactedPlaceholder = "REDACTED"
	u, err := url.Parse(proxyURL)
	if err != nil {
		return "INVALID"
	}
	if u.User != nil {
		u.User = url.User(redactedPlaceholder)
	}
	return u.String()
}
