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

// Package httpconnect provides a [transport.StreamDialer] that reaches the destination through an
// HTTP/1.1 proxy using the CONNECT method.
//
// The proxy connection comes from a [transport.StreamEndpoint], so the same dialer serves plain
// HTTP proxies and HTTPS proxies (an endpoint that wraps the TCP connection in TLS).
package httpconnect

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/udptlspipe/udptlspipe/transport"
)

// StatusError is returned when the proxy answers the CONNECT request with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return "proxy refused CONNECT: " + e.Status
	}
	return fmt.Sprintf("proxy refused CONNECT: status code %d", e.StatusCode)
}

// StreamDialer is a [transport.StreamDialer] that sends a CONNECT request for every dialed address.
type StreamDialer struct {
	endpoint transport.StreamEndpoint
	headers  http.Header
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// ClientOption configures the CONNECT request.
type ClientOption func(d *StreamDialer)

// NewStreamDialer creates a [StreamDialer] that connects to the proxy with the given endpoint.
func NewStreamDialer(endpoint transport.StreamEndpoint, opts ...ClientOption) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("endpoint must not be nil")
	}
	d := &StreamDialer{endpoint: endpoint, headers: make(http.Header)}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// WithHeaders adds the given headers to every CONNECT request.
func WithHeaders(headers http.Header) ClientOption {
	return func(d *StreamDialer) {
		for k, vs := range headers {
			for _, v := range vs {
				d.headers.Add(k, v)
			}
		}
	}
}

// WithBasicAuth sets the Proxy-Authorization header to the Basic credentials for user and password.
func WithBasicAuth(user, password string) ClientOption {
	return func(d *StreamDialer) {
		creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
		d.headers.Set("Proxy-Authorization", "Basic "+creds)
	}
}

// WithUserAgent sets the User-Agent header of the CONNECT request.
func WithUserAgent(userAgent string) ClientOption {
	return func(d *StreamDialer) {
		if userAgent != "" {
			d.headers.Set("User-Agent", userAgent)
		}
	}
}

// DialStream implements [transport.StreamDialer].DialStream.
// The proxy connection is closed if the CONNECT exchange fails.
func (d *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	if _, _, err := net.SplitHostPort(remoteAddr); err != nil {
		return nil, fmt.Errorf("failed to parse remote address: %w", err)
	}
	conn, err := d.endpoint.ConnectStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	reader, err := d.connect(ctx, conn, remoteAddr)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return nil, err
	}
	conn.SetDeadline(noDeadline)
	if n := reader.Buffered(); n > 0 {
		// The proxy may have forwarded destination bytes together with the response.
		early, _ := reader.Peek(n)
		return &prefixConn{StreamConn: conn, prefix: append([]byte(nil), early...)}, nil
	}
	return conn, nil
}

func (d *StreamDialer) connect(ctx context.Context, conn transport.StreamConn, remoteAddr string) (*bufio.Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "http://"+remoteAddr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// Request.Write uses the URL host for the request target of CONNECT.
	req.Host = remoteAddr
	for k, vs := range d.headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return reader, nil
}

// prefixConn returns the bytes read ahead while parsing the CONNECT response before reading from the connection.
type prefixConn struct {
	transport.StreamConn
	prefix []byte
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.StreamConn.Read(b)
}

var noDeadline time.Time
