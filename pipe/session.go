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

// Package pipe runs one UDP-over-TLS tunnel.
//
// A [Session] connects to the server, optionally through a proxy, performs the TLS handshake with
// the ClientHello of a [fingerprint.Profile], authenticates when a password is set, and then relays
// datagrams between a local UDP socket and the TLS stream. Each datagram travels on the stream as a
// frame: a 4-byte big-endian length followed by the payload.
package pipe

import (
	"context"
	stdtls "crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"
	"github.com/udptlspipe/udptlspipe/fingerprint"
	"github.com/udptlspipe/udptlspipe/proxy"
	"github.com/udptlspipe/udptlspipe/transport"
	"github.com/udptlspipe/udptlspipe/transport/tls"
)

// Session is a live tunnel. It is created by [Dial] and ends on [Session.Close] or on the first
// relay failure.
type Session struct {
	cfg Config
	log *slog.Logger
	fp  fingerprint.Fingerprint

	state   atomic.Int32
	tlsConn transport.StreamConn
	udpConn *net.UDPConn
	peer    atomic.Pointer[net.UDPAddr]

	errMu sync.Mutex
	err   error

	closeOnce  sync.Once
	uplinkDone chan struct{}
	done       chan struct{}
}

// Dial establishes the tunnel described by cfg and returns once datagrams are being relayed.
// Failures are reported as [*Error].
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg, host, profile, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:        cfg,
		uplinkDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.log = cfg.Logger.With("destination", cfg.Destination)
	s.setState(StateCreated)

	if err := s.establish(ctx, host, profile); err != nil {
		s.log.Debug("Tunnel setup failed", "state", s.State().String(), "error", err)
		return nil, err
	}
	s.setState(StateBridging)
	s.log.Info("Tunnel is up", "local", s.udpConn.LocalAddr().String(), "fingerprint", s.fp.Profile)

	errc := make(chan error, 2)
	go func() {
		defer close(s.uplinkDone)
		errc <- s.uplink()
	}()
	go func() {
		errc <- s.downlink()
	}()
	go s.supervise(errc)
	return s, nil
}

func (s *Session) establish(ctx context.Context, host string, profile fingerprint.Profile) error {
	fp, err := s.cfg.Catalog.Lookup(profile)
	if err != nil {
		return newError(KindConfig, "resolve fingerprint", err)
	}
	s.fp = fp

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	s.setState(StateConnecting)
	proxyTLS := []tls.ClientOption{tls.WithClientHelloID(fp.HelloID), tls.WithALPN([]string{"http/1.1"})}
	if !s.cfg.Secure {
		proxyTLS = append(proxyTLS, tls.WithCertVerifier(nil))
	}
	dialer, err := proxy.NewStreamDialer(s.cfg.ProxyURL, s.cfg.BaseDialer,
		proxy.WithUserAgent(fp.UserAgent), proxy.WithTLSOptions(proxyTLS...))
	if err != nil {
		return newError(KindConfig, "configure proxy", err)
	}
	if s.cfg.ProxyURL != "" {
		s.log.Debug("Connecting through proxy", "proxy", proxy.Redact(s.cfg.ProxyURL))
	}
	conn, err := dialer.DialStream(ctx, s.cfg.Destination)
	if err != nil {
		return newError(KindConnect, "connect", err)
	}

	s.setState(StateHandshaking)
	var verifier tls.CertVerifier
	if s.cfg.Secure {
		verifier = &tls.StandardCertVerifier{CertificateName: s.cfg.ServerName, Roots: s.cfg.RootCAs}
	}
	tlsConn, err := tls.WrapConn(s.withTrace(ctx), conn, host,
		tls.WithSNI(s.cfg.ServerName),
		tls.WithClientHelloID(fp.HelloID),
		tls.WithCertVerifier(verifier))
	if err != nil {
		conn.Close()
		return newError(KindTLS, "handshake", err)
	}
	s.tlsConn = tlsConn

	if s.cfg.Password != "" {
		s.setState(StateAuthenticating)
		if err := authenticate(ctx, tlsConn, s.cfg.Password, s.cfg.AuthTimeout); err != nil {
			tlsConn.Close()
			return newError(KindAuth, "authenticate", err)
		}
		s.log.Debug("Authenticated")
	}

	listener := &transport.UDPListener{Address: net.JoinHostPort(DefaultListenAddress, strconv.Itoa(s.cfg.ListenPort))}
	udpConn, err := listener.ListenUDP(ctx)
	if err != nil {
		tlsConn.Close()
		return newError(KindListen, "listen", err)
	}
	s.udpConn = udpConn
	return nil
}

func (s *Session) withTrace(ctx context.Context) context.Context {
	if !s.log.Enabled(ctx, slog.LevelDebug) {
		return ctx
	}
	return tls.WithTLSClientTrace(ctx, &tls.TLSClientTrace{
		TLSHandshakeStart: func() {
			attrs := []any{"sni", s.cfg.ServerName, "fingerprint", s.fp.String()}
			if tmpl, err := s.fp.Template(); err == nil {
				attrs = append(attrs, "ja3", tmpl.JA3())
			}
			s.log.Debug("TLS handshake started", attrs...)
		},
		TLSHandshakeDone: func(state utls.ConnectionState, err error) {
			if err != nil {
				s.log.Debug("TLS handshake failed", "error", err)
				return
			}
			s.log.Debug("TLS handshake done",
				"version", stdtls.VersionName(state.Version),
				"cipher", stdtls.CipherSuiteName(state.CipherSuite),
				"alpn", state.NegotiatedProtocol)
		},
	})
}

// uplink frames every datagram from the local socket onto the TLS stream.
func (s *Session) uplink() error {
	buf := make([]byte, MaxDatagramSize)
	frame := make([]byte, 0, frameHeaderSize+MaxDatagramSize)
	for {
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			// An empty datagram cannot be framed.
			continue
		}
		s.peer.Store(addr)
		frame, err = AppendFrame(frame[:0], buf[:n])
		if err != nil {
			return err
		}
		s.tlsConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if _, err := s.tlsConn.Write(frame); err != nil {
			return err
		}
	}
}

// downlink sends every frame from the TLS stream to the last local peer.
func (s *Session) downlink() error {
	buf := make([]byte, MaxDatagramSize)
	for {
		payload, err := ReadFrame(s.tlsConn, buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("connection closed by server")
			}
			return err
		}
		peer := s.peer.Load()
		if peer == nil {
			s.log.Debug("Dropping datagram, no local peer yet", "size", len(payload))
			continue
		}
		if _, err := s.udpConn.WriteToUDP(payload, peer); err != nil {
			return err
		}
	}
}

// supervise tears the session down when either relay ends.
func (s *Session) supervise(errc <-chan error) {
	defer close(s.done)

	first := <-errc
	// Whoever leaves Bridging first decides between a stop and a failure.
	failed := s.state.CompareAndSwap(int32(StateBridging), int32(StateClosing))
	if failed {
		err := newError(KindFraming, "relay", first)
		s.setErr(err)
		s.log.Error("Tunnel failed", "error", err)
	}

	s.udpConn.Close()
	grace := time.NewTimer(s.cfg.CloseGrace)
	select {
	case <-s.uplinkDone:
	case <-grace.C:
		s.log.Debug("Uplink did not finish within the grace period")
	}
	grace.Stop()
	s.tlsConn.Close()
	<-errc

	if failed {
		s.setState(StateFailed)
	} else {
		s.setState(StateClosed)
		s.log.Info("Tunnel closed")
	}
}

// Close stops the session and waits for its goroutines. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.state.CompareAndSwap(int32(StateBridging), int32(StateClosing)) {
			s.log.Debug("Closing tunnel")
			// Unblocks the uplink. A frame being written is completed first.
			s.udpConn.Close()
		}
	})
	<-s.done
	return nil
}

// Done is closed when the session has ended and released its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session failed, or nil.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
	s.log.Debug("State changed", "state", state.String())
}

// LocalAddr returns the address of the local UDP socket.
func (s *Session) LocalAddr() *net.UDPAddr {
	return s.udpConn.LocalAddr().(*net.UDPAddr)
}

// LocalPort returns the port of the local UDP socket.
func (s *Session) LocalPort() int {
	return s.LocalAddr().Port
}

// Fingerprint returns the ClientHello identity used for the handshake.
func (s *Session) Fingerprint() fingerprint.Fingerprint {
	return s.fp
}

func (s *Session) String() string {
	return fmt.Sprintf("session to %s (%s)", s.cfg.Destination, s.State())
}
