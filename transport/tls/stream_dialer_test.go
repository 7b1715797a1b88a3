// Copyright 2023 The Outline Authors
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

package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	utls "github.com/refraction-networking/utls"
	"github.com/stretchr/testify/require"
	"github.com/udptlspipe/udptlspipe/transport"
)

type testServer struct {
	addr  string
	roots *x509.CertPool

	mu          sync.Mutex
	serverNames []string
}

func (s *testServer) lastServerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.serverNames) == 0 {
		return ""
	}
	return s.serverNames[len(s.serverNames)-1]
}

// startTestServer runs a TLS echo server with a certificate for test.local and 127.0.0.1.
func startTestServer(t *testing.T) *testServer {
	t.Helper()
	rootCA, rootKey := createRootCA(t)
	leafCert, leafKey := createLeafCert(t, []string{"test.local"}, []net.IP{net.IPv4(127, 0, 0, 1)}, rootCA, rootKey, time.Now().Add(-1*time.Hour), time.Now().Add(1*time.Hour))

	srv := &testServer{roots: x509.NewCertPool()}
	srv.roots.AddCert(rootCA)

	cfg := &tls.Config{
		NextProtos:   []string{"h2", "http/1.1"},
		Certificates: []tls.Certificate{{Certificate: [][]byte{leafCert.Raw}, PrivateKey: leafKey, Leaf: leafCert}},
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			srv.mu.Lock()
			srv.serverNames = append(srv.serverNames, hello.ServerName)
			srv.mu.Unlock()
			return nil, nil
		},
	}
	listener, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	srv.addr = listener.Addr().String()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return srv
}

func requireEcho(t *testing.T, conn transport.StreamConn) {
	t.Helper()
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestTrustedRoot(t *testing.T) {
	srv := startTestServer(t)
	sd, err := NewStreamDialer(&transport.TCPDialer{},
		WithSNI("test.local"),
		WithCertVerifier(&StandardCertVerifier{CertificateName: "test.local", Roots: srv.roots}))
	require.NoError(t, err)
	conn, err := sd.DialStream(context.Background(), srv.addr)
	require.NoError(t, err)
	defer conn.Close()

	tlsConn, ok := conn.(*Conn)
	require.True(t, ok)
	require.True(t, tlsConn.ConnectionState().HandshakeComplete)
	requireEcho(t, conn)
	require.NoError(t, conn.CloseWrite())
	require.NoError(t, conn.CloseRead())
}

func TestIPCertificate(t *testing.T) {
	srv := startTestServer(t)
	sd, err := NewStreamDialer(&transport.TCPDialer{},
		IfHost("127.0.0.1", WithCertVerifier(&StandardCertVerifier{CertificateName: "127.0.0.1", Roots: srv.roots})))
	require.NoError(t, err)
	conn, err := sd.DialStream(context.Background(), srv.addr)
	require.NoError(t, err)
	conn.Close()
}

func TestUntrustedRoot(t *testing.T) {
	srv := startTestServer(t)
	sd, err := NewStreamDialer(&transport.TCPDialer{},
		WithCertVerifier(&StandardCertVerifier{CertificateName: "test.local", Roots: x509.NewCertPool()}))
	require.NoError(t, err)
	_, err = sd.DialStream(context.Background(), srv.addr)
	var certErr x509.UnknownAuthorityError
	require.ErrorAs(t, err, &certErr)
}

func TestWrongName(t *testing.T) {
	srv := startTestServer(t)
	sd, err := NewStreamDialer(&transport.TCPDialer{},
		WithCertVerifier(&StandardCertVerifier{CertificateName: "other.local", Roots: srv.roots}))
	require.NoError(t, err)
	_, err = sd.DialStream(context.Background(), srv.addr)
	var hostErr x509.HostnameError
	require.ErrorAs(t, err, &hostErr)
	require.Equal(t, "other.local", hostErr.Host)
}

func TestNoVerification(t *testing.T) {
	srv := startTestServer(t)
	sd, err := NewStreamDialer(&transport.TCPDialer{}, WithCertVerifier(nil))
	require.NoError(t, err)
	conn, err := sd.DialStream(context.Background(), srv.addr)
	require.NoError(t, err)
	defer conn.Close()
	requireEcho(t, conn)
}

func TestFakeSNIWithClientHelloID(t *testing.T) {
	srv := startTestServer(t)
	sd, err := NewStreamDialer(&transport.TCPDialer{},
		WithClientHelloID(utls.HelloAndroid_11_OkHttp),
		WithSNI("decoy.example.com"),
		WithCertVerifier(&StandardCertVerifier{CertificateName: "test.local", Roots: srv.roots}))
	require.NoError(t, err)
	conn, err := sd.DialStream(context.Background(), srv.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "decoy.example.com", srv.lastServerName())
	requireEcho(t, conn)
}

func TestALPNOverridesPreset(t *testing.T) {
	srv := startTestServer(t)

	sd, err := NewStreamDialer(&transport.TCPDialer{}, WithCertVerifier(nil), WithClientHelloID(utls.HelloChrome_Auto))
	require.NoError(t, err)
	conn, err := sd.DialStream(context.Background(), srv.addr)
	require.NoError(t, err)
	require.Equal(t, "h2", conn.(*Conn).ConnectionState().NegotiatedProtocol)
	conn.Close()

	sd, err = NewStreamDialer(&transport.TCPDialer{}, WithCertVerifier(nil),
		WithClientHelloID(utls.HelloChrome_Auto), WithALPN([]string{"http/1.1"}))
	require.NoError(t, err)
	conn, err = sd.DialStream(context.Background(), srv.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "http/1.1", conn.(*Conn).ConnectionState().NegotiatedProtocol)
	requireEcho(t, conn)
}

func TestTrace(t *testing.T) {
	srv := startTestServer(t)
	var started, done bool
	var doneState utls.ConnectionState
	ctx := WithTLSClientTrace(context.Background(), &TLSClientTrace{
		TLSHandshakeStart: func() { started = true },
		TLSHandshakeDone: func(state utls.ConnectionState, err error) {
			done = true
			doneState = state
			require.NoError(t, err)
		},
	})
	sd, err := NewStreamDialer(&transport.TCPDialer{}, WithCertVerifier(nil))
	require.NoError(t, err)
	conn, err := sd.DialStream(ctx, srv.addr)
	require.NoError(t, err)
	conn.Close()
	require.True(t, started)
	require.True(t, done)
	require.True(t, doneState.HandshakeComplete)
	require.Nil(t, GetTLSClientTrace(context.Background()))
}

func TestHostSelector(t *testing.T) {
	opt := IfHost("dns.google", WithSNI("decoy.example.com"))

	cfg := ClientConfig{ServerName: "dns.google"}
	opt(normalizeHost("DNS.google"), &cfg)
	require.Equal(t, "decoy.example.com", cfg.ServerName)

	cfg = ClientConfig{ServerName: "www.youtube.com"}
	opt("www.youtube.com", &cfg)
	require.Equal(t, "www.youtube.com", cfg.ServerName)
}

func TestWithSNI(t *testing.T) {
	var cfg ClientConfig
	WithSNI("example.com")("", &cfg)
	require.Equal(t, "example.com", cfg.ServerName)
}

func TestWithALPN(t *testing.T) {
	var cfg ClientConfig
	WithALPN([]string{"h2", "http/1.1"})("", &cfg)
	require.Equal(t, []string{"h2", "http/1.1"}, cfg.NextProtos)
}

func TestWithClientHelloID(t *testing.T) {
	var cfg ClientConfig
	WithClientHelloID(utls.HelloFirefox_Auto)("", &cfg)
	require.Equal(t, utls.HelloFirefox_Auto, cfg.HelloID)
}

// Make sure there are no connection leakage in DialStream
func TestDialStreamCloseInnerConnOnError(t *testing.T) {
	inner := &connCounterDialer{base: &transport.TCPDialer{}}
	sd, err := NewStreamDialer(inner)
	require.NoError(t, err)
	conn, err := sd.DialStream(context.Background(), "invalid-address?987654321")
	require.Error(t, err)
	require.Nil(t, conn)
	require.Zero(t, inner.activeConns)
}

// Private test helpers

// connCounterDialer is a StreamDialer that counts the number of active StreamConns.
type connCounterDialer struct {
	base        transport.StreamDialer
	activeConns int
}

type countedStreamConn struct {
	transport.StreamConn
	counter *connCounterDialer
}

func (d *connCounterDialer) DialStream(ctx context.Context, raddr string) (transport.StreamConn, error) {
	conn, err := d.base.DialStream(ctx, raddr)
	if conn != nil {
		d.activeConns++
	}
	return countedStreamConn{conn, d}, err
}

func (c countedStreamConn) Close() error {
	c.counter.activeConns--
	return c.StreamConn.Close()
}

// Helper function to create a self-signed certificate (Root CA)
func createRootCA(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test Root CA"}},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	return cert, privKey
}

// Helper function to create a leaf certificate signed by a parent
func createLeafCert(t *testing.T, dnsNames []string, ipAddresses []net.IP, parentCert *x509.Certificate, parentKey *ecdsa.PrivateKey, notBefore, notAfter time.Time) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: dnsNames[0]}, // Use first DNS name as CN
		DNSNames:              dnsNames,
		IPAddresses:           ipAddresses,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, // Server cert
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, parentCert, &privKey.PublicKey, parentKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	return cert, privKey
}

func TestGeneratedCert_Valid(t *testing.T) {
	// 1. Generate Certs
	rootCA, rootKey := createRootCA(t)
	leafCert, _ := createLeafCert(t, []string{"test.local"}, nil, rootCA, rootKey, time.Now().Add(-1*time.Hour), time.Now().Add(1*time.Hour))

	// 2. Setup Root Pool for Client
	rootPool := x509.NewCertPool()
	rootPool.AddCert(rootCA)

	verificationContext := &CertVerificationContext{PeerCertificates: []*x509.Certificate{leafCert}}

	sysVerifier := &StandardCertVerifier{CertificateName: "test.local"}
	require.Error(t, sysVerifier.VerifyCertificate(verificationContext))

	customVerifier := &StandardCertVerifier{CertificateName: "test.local", Roots: rootPool}
	require.NoError(t, customVerifier.VerifyCertificate(verificationContext))

	wrongDomainVerifier := &StandardCertVerifier{CertificateName: "other.local", Roots: rootPool}
	var hostErr x509.HostnameError
	require.ErrorAs(t, wrongDomainVerifier.VerifyCertificate(verificationContext), &hostErr)
	require.Equal(t, "other.local", hostErr.Host)
	require.Equal(t, leafCert, hostErr.Certificate)
}
