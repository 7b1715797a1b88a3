// Copyright 2023 Jigsaw Operations LLC
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

// Package tls provides TLS client connections whose ClientHello can impersonate other clients.
//
// The handshake is performed by [utls], so the [ClientConfig.HelloID] decides how the ClientHello
// looks on the wire. Certificate verification is done separately by a [CertVerifier], which lets the
// SNI differ from the name in the certificate.
//
// [utls]: https://github.com/refraction-networking/utls
package tls

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"
	"github.com/udptlspipe/udptlspipe/transport"
)

// StreamDialer is a [transport.StreamDialer] that uses TLS to wrap the inner StreamDialer.
type StreamDialer struct {
	// dialer provides the underlying connection to be wrapped.
	dialer transport.StreamDialer
	// options to configure the client.
	options []ClientOption
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a [StreamDialer] that wraps the connections from the baseDialer with TLS
// configured with the given options.
func NewStreamDialer(baseDialer transport.StreamDialer, options ...ClientOption) (*StreamDialer, error) {
	if baseDialer == nil {
		return nil, errors.New("base dialer must not be nil")
	}
	return &StreamDialer{baseDialer, options}, nil
}

// DialStream implements [transport.StreamDialer].DialStream.
func (d *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	innerConn, err := d.dialer.DialStream(ctx, remoteAddr)
	if err != nil {
		return nil, err
	}
	conn, err := WrapConn(ctx, innerConn, host, d.options...)
	if err != nil {
		innerConn.Close()
		return nil, err
	}
	return conn, nil
}

// Conn is a TLS client connection over a [transport.StreamConn].
type Conn struct {
	*utls.UConn
	innerConn transport.StreamConn
}

var _ transport.StreamConn = (*Conn)(nil)

func (c *Conn) CloseWrite() error {
	tlsErr := c.UConn.CloseWrite()
	return errors.Join(tlsErr, c.innerConn.CloseWrite())
}

func (c *Conn) CloseRead() error {
	return c.innerConn.CloseRead()
}

func normalizeHost(host string) string {
	return strings.ToLower(host)
}

// ClientConfig encodes the parameters for a TLS client connection.
type ClientConfig struct {
	// The host name for the Server Name Indication (SNI).
	ServerName string
	// The protocol id list for protocol negotiation (ALPN).
	NextProtos []string
	// The cache for session resumption.
	SessionCache utls.ClientSessionCache
	// Verifies the server certificate chain. Nil skips verification.
	CertVerifier CertVerifier
	// The ClientHello to present. The zero value uses [utls.HelloGolang].
	HelloID utls.ClientHelloID
}

// toUConfig creates a [utls.Config] based on the configured parameters.
func (cfg *ClientConfig) toUConfig() *utls.Config {
	return &utls.Config{
		ServerName:         cfg.ServerName,
		NextProtos:         cfg.NextProtos,
		ClientSessionCache: cfg.SessionCache,
		// Set InsecureSkipVerify to skip the default validation we are
		// replacing. This will not disable VerifyConnection.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs utls.ConnectionState) error {
			if cfg.CertVerifier == nil {
				return nil
			}
			return cfg.CertVerifier.VerifyCertificate(&CertVerificationContext{
				PeerCertificates: cs.PeerCertificates,
			})
		},
	}
}

// ClientOption allows configuring the parameters to be used for a client TLS connection.
type ClientOption func(serverName string, config *ClientConfig)

// WrapConn wraps a [transport.StreamConn] in a TLS connection and performs the handshake.
//
// The certificate is verified against serverName unless an option replaces the [CertVerifier].
func WrapConn(ctx context.Context, conn transport.StreamConn, serverName string, options ...ClientOption) (*Conn, error) {
	cfg := ClientConfig{
		ServerName:   serverName,
		CertVerifier: &StandardCertVerifier{CertificateName: serverName},
	}
	normName := normalizeHost(serverName)
	for _, option := range options {
		option(normName, &cfg)
	}
	helloID := cfg.HelloID
	if helloID.Client == "" {
		helloID = utls.HelloGolang
	}
	uconn, err := newUConn(conn, &cfg, helloID)
	if err != nil {
		return nil, err
	}

	trace := GetTLSClientTrace(ctx)
	if trace != nil && trace.TLSHandshakeStart != nil {
		trace.TLSHandshakeStart()
	}
	err = uconn.HandshakeContext(ctx)
	if trace != nil && trace.TLSHandshakeDone != nil {
		trace.TLSHandshakeDone(uconn.ConnectionState(), err)
	}
	if err != nil {
		return nil, err
	}
	return &Conn{uconn, conn}, nil
}

// newUConn creates the utls client. Presets carry their own ALPN list, so when NextProtos is set
// the preset is rebuilt with it.
func newUConn(conn net.Conn, cfg *ClientConfig, helloID utls.ClientHelloID) (*utls.UConn, error) {
	if len(cfg.NextProtos) == 0 {
		return utls.UClient(conn, cfg.toUConfig(), helloID), nil
	}
	spec, err := utls.UTLSIdToSpec(helloID)
	if err != nil {
		// Golang and randomized hellos take the ALPN list from the config.
		return utls.UClient(conn, cfg.toUConfig(), helloID), nil
	}
	found := false
	for i, ext := range spec.Extensions {
		if _, ok := ext.(*utls.ALPNExtension); ok {
			spec.Extensions[i] = &utls.ALPNExtension{AlpnProtocols: cfg.NextProtos}
			found = true
		}
	}
	if !found {
		spec.Extensions = append(spec.Extensions, &utls.ALPNExtension{AlpnProtocols: cfg.NextProtos})
	}
	uconn := utls.UClient(conn, cfg.toUConfig(), utls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		return nil, fmt.Errorf("failed to apply ALPN to %s: %w", helloID.Str(), err)
	}
	return uconn, nil
}

// WithSNI sets the host name for [Server Name Indication] (SNI).
// If absent, defaults to the dialed hostname.
// Note that this only changes what is sent in the SNI, not what host is used for certificate verification.
//
// [Server Name Indication]: https://datatracker.ietf.org/doc/html/rfc6066#section-3
func WithSNI(hostName string) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.ServerName = hostName
	}
}

// IfHost applies the given option if the host matches the dialed one.
func IfHost(matchHost string, option ClientOption) ClientOption {
	matchHost = normalizeHost(matchHost)
	return func(host string, config *ClientConfig) {
		if matchHost != "" && matchHost != host {
			return
		}
		option(host, config)
	}
}

// WithALPN sets the protocol name list for [Application-Layer Protocol Negotiation] (ALPN).
// The list of protocol IDs can be found in [IANA's registry].
//
// [Application-Layer Protocol Negotiation]: https://datatracker.ietf.org/doc/html/rfc7301
// [IANA's registry]: https://www.iana.org/assignments/tls-extensiontype-values/tls-extensiontype-values.xhtml#alpn-protocol-ids
func WithALPN(protocolNameList []string) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.NextProtos = protocolNameList
	}
}

// WithSessionCache sets the [utls.ClientSessionCache] to enable session resumption of TLS connections.
func WithSessionCache(sessionCache utls.ClientSessionCache) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.SessionCache = sessionCache
	}
}

// WithCertVerifier sets the verifier for the server certificate chain.
// A nil verifier accepts any certificate.
func WithCertVerifier(verifier CertVerifier) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.CertVerifier = verifier
	}
}

// WithClientHelloID sets the ClientHello to present during the handshake.
func WithClientHelloID(id utls.ClientHelloID) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.HelloID = id
	}
}
