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

package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gosocks5 "github.com/things-go/go-socks5"
	"github.com/udptlspipe/udptlspipe/transport"
)

func TestSOCKS5Dialer_NewStreamDialerNil(t *testing.T) {
	dialer, err := NewStreamDialer(nil)
	require.Nil(t, dialer)
	require.Error(t, err)
}

func TestSOCKS5Dialer_BadConnection(t *testing.T) {
	dialer, err := NewStreamDialer(&transport.TCPEndpoint{Address: "127.0.0.0:0"})
	require.NotNil(t, dialer)
	require.NoError(t, err)
	_, err = dialer.DialStream(context.Background(), "example.com:443")
	require.Error(t, err)
}

func TestSOCKS5Dialer_BadAddress(t *testing.T) {
	dialer, err := NewStreamDialer(transport.FuncStreamEndpoint(func(ctx context.Context) (transport.StreamConn, error) {
		t.Fatal("must not connect with an invalid address")
		return nil, nil
	}))
	require.NoError(t, err)
	_, err = dialer.DialStream(context.Background(), "noport")
	require.Error(t, err)
}

func TestSOCKS5Dialer_SetCredentials(t *testing.T) {
	dialer, err := NewStreamDialer(&transport.TCPEndpoint{Address: "127.0.0.1:1"})
	require.NoError(t, err)
	require.Error(t, dialer.SetCredentials(nil, []byte("pass")))
	require.Error(t, dialer.SetCredentials([]byte("user"), nil))
	require.Error(t, dialer.SetCredentials(make([]byte, 256), []byte("pass")))
	require.NoError(t, dialer.SetCredentials([]byte("user"), []byte("pass")))
}

func TestSOCKS5Dialer_DialAddressTypes(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err, "Failed to create TCP listener: %v", err)
	defer listener.Close()

	testExchange(t, listener, "example.com:443", []byte("Request"), []byte("Response"), 0)
	testExchange(t, listener, "8.8.8.8:444", []byte("Request"), []byte("Response"), 0)
	testExchange(t, listener, "[2001:4860:4860::8888]:853", []byte("Request"), []byte("Response"), 0)
}

func TestSOCKS5Dialer_DialError(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err, "Failed to create TCP listener: %v", err)
	defer listener.Close()

	for _, replyCode := range []ReplyCode{
		ErrGeneralServerFailure,
		ErrConnectionNotAllowedByRuleset,
		ErrNetworkUnreachable,
		ErrHostUnreachable,
		ErrConnectionRefused,
		ErrTTLExpired,
		ErrCommandNotSupported,
		ErrAddressTypeNotSupported,
		ReplyCode(0xff),
	} {
		t.Run(fmt.Sprintf("ReplyCode=%v", replyCode), func(t *testing.T) {
			testExchange(t, listener, "example.com:443", nil, nil, replyCode)
		})
	}
}

func TestSOCKS5Dialer_UserPassAgainstServer(t *testing.T) {
	echo := startEchoServer(t)

	cator := gosocks5.UserPassAuthenticator{Credentials: gosocks5.StaticCredentials{
		"testusername": "testpassword",
	}}
	proxySrv := gosocks5.NewServer(gosocks5.WithAuthMethods([]gosocks5.Authenticator{cator}))
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		err := proxySrv.Serve(listener)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			t.Logf("SOCKS5 server stopped: %v", err)
		}
	}()

	dialer, err := NewStreamDialer(&transport.TCPEndpoint{Address: listener.Addr().String()})
	require.NoError(t, err)

	t.Run("NoCredentials", func(t *testing.T) {
		_, err := dialer.DialStream(context.Background(), echo.Addr().String())
		require.Error(t, err)
	})

	require.NoError(t, dialer.SetCredentials([]byte("testusername"), []byte("testpassword")))
	conn, err := dialer.DialStream(context.Background(), echo.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())
	require.NoError(t, iotest.TestReader(conn, []byte("ping")))
}

func startEchoServer(t *testing.T) net.Listener {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
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
	return listener
}

func testExchange(tb testing.TB, listener *net.TCPListener, destAddr string, request []byte, response []byte, replyCode ReplyCode) {
	var running sync.WaitGroup
	running.Add(2)

	// Client
	go func() {
		defer running.Done()
		dialer, err := NewStreamDialer(&transport.TCPEndpoint{Address: listener.Addr().String()})
		require.NoError(tb, err)
		serverConn, err := dialer.DialStream(context.Background(), destAddr)
		if replyCode != 0 {
			require.ErrorIs(tb, err, replyCode)
			var extractedReplyCode ReplyCode
			require.True(tb, errors.As(err, &extractedReplyCode))
			require.Equal(tb, replyCode, extractedReplyCode)
			return
		}
		require.NoError(tb, err, "Dial failed")
		require.Equal(tb, listener.Addr().String(), serverConn.RemoteAddr().String())
		defer serverConn.Close()

		n, err := serverConn.Write(request)
		require.NoError(tb, err)
		require.Equal(tb, len(request), n)
		assert.NoError(tb, serverConn.CloseWrite())

		err = iotest.TestReader(serverConn, response)
		require.NoError(tb, err, "Response read failed: %v", err)
	}()

	// Server
	go func() {
		defer running.Done()
		clientConn, err := listener.AcceptTCP()
		require.NoError(tb, err, "AcceptTCP failed: %v", err)
		defer clientConn.Close()

		// The method and connect requests arrive together, before any server response.
		expected := []byte{5, 1, 0, 5, 1, 0}
		expected, err = appendSOCKS5Address(expected, destAddr)
		require.NoError(tb, err)
		err = iotest.TestReader(io.LimitReader(clientConn, int64(len(expected))), expected)
		assert.NoError(tb, err, "Request read failed: %v", err)

		// Method response: VER = 5, METHOD = 0
		// Connect response: VER = 5, REP, RSV = 0, ATYP = 1 (IPv4), BND.ADDR, BND.PORT
		_, err = clientConn.Write([]byte{5, 0, 5, byte(replyCode), 0, 1, 0, 0, 0, 0, 0, 0})
		assert.NoError(tb, err, "Write failed: %v", err)

		if request != nil {
			err = iotest.TestReader(clientConn, request)
			assert.NoError(tb, err, "Request read failed: %v", err)
		}

		if response != nil {
			n, err := clientConn.Write(response)
			require.NoError(tb, err)
			require.Equal(tb, len(response), n)
		}

		// The client may close first on error replies, so CloseWrite failures are not fatal.
		if err := clientConn.CloseWrite(); err != nil {
			tb.Logf("CloseWrite failed: %v", err)
		}
	}()

	running.Wait()
}

func TestSOCKS5Dialer_CancelDuringHandshake(t *testing.T) {
	// The proxy accepts the connection and never answers the method selection.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	dialer, err := NewStreamDialer(&transport.TCPEndpoint{Address: listener.Addr().String()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err = dialer.DialStream(ctx, "host.example:443")
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 5*time.Second)
}
