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

// Package pipetest provides a tunnel server for tests.
package pipetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/udptlspipe/udptlspipe/pipe"
)

// ServerName is the name in the server certificate.
const ServerName = "pipe.test"

// Options configures a [Server].
type Options struct {
	// Password makes the server require the authentication request.
	Password string
	// SilentAuth makes the server read the authentication request and never answer.
	SilentAuth bool
	// Handler serves the connection after authentication. Defaults to [Echo].
	Handler func(conn net.Conn)
}

// Server is a TLS tunnel server listening on 127.0.0.1.
type Server struct {
	// Addr is the host:port to dial.
	Addr string
	// Roots trusts the server certificate.
	Roots *x509.CertPool

	listener net.Listener
	opts     Options
	accepted atomic.Int32
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

// NewServer starts a server that is closed with the test.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	cert, leaf := newCertificate(t)
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)

	if opts.Handler == nil {
		opts.Handler = Echo
	}
	s := &Server{
		Addr:     listener.Addr().String(),
		Roots:    x509.NewCertPool(),
		listener: listener,
		opts:     opts,
		conns:    make(map[net.Conn]struct{}),
	}
	s.Roots.AddCert(leaf)

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Accepted returns how many connections completed the handshake.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Close stops the listener and closes every open connection.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.handle(conn.(*tls.Conn))
		}()
	}
}

func (s *Server) handle(conn *tls.Conn) {
	if err := conn.Handshake(); err != nil {
		return
	}
	s.accepted.Add(1)
	if s.opts.Password != "" || s.opts.SilentAuth {
		if !s.authenticate(conn) {
			return
		}
	}
	s.opts.Handler(conn)
}

func (s *Server) authenticate(conn net.Conn) bool {
	msg := make([]byte, pipe.AuthRequestSize)
	if _, err := io.ReadFull(conn, msg); err != nil {
		return false
	}
	if s.opts.SilentAuth {
		// Wait for the client to give up.
		io.Copy(io.Discard, conn)
		return false
	}
	req, err := pipe.ParseAuthRequest(msg)
	if err == nil {
		err = req.Verify(s.opts.Password, time.Now(), 5*time.Minute)
	}
	if err != nil {
		conn.Write([]byte{pipe.AuthRejected})
		return false
	}
	_, err = conn.Write([]byte{pipe.AuthAccepted})
	return err == nil
}

// Echo returns every frame to the client.
func Echo(conn net.Conn) {
	buf := make([]byte, pipe.MaxDatagramSize)
	var frame []byte
	for {
		payload, err := pipe.ReadFrame(conn, buf)
		if err != nil {
			return
		}
		frame, err = pipe.AppendFrame(frame[:0], payload)
		if err != nil {
			return
		}
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

// CorruptLength waits for one frame and answers with a length prefix over the maximum.
func CorruptLength(conn net.Conn) {
	buf := make([]byte, pipe.MaxDatagramSize)
	if _, err := pipe.ReadFrame(conn, buf); err != nil {
		return
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], pipe.MaxDatagramSize+1)
	conn.Write(header[:])
	// Keep the connection open so only the bad frame can end the session.
	io.Copy(io.Discard, conn)
}

// Hold keeps the connection open without sending anything.
func Hold(conn net.Conn) {
	io.Copy(io.Discard, conn)
}

func newCertificate(t testing.TB) (tls.Certificate, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: ServerName},
		DNSNames:              []string{ServerName},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, leaf
}
