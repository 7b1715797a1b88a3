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
	"time"

	"github.com/udptlspipe/udptlspipe/transport"
)

// Credentials for username/password authentication, as in https://datatracker.ietf.org/doc/html/rfc1929.
type credentials struct {
	username []byte
	password []byte
}

// StreamDialer is a [transport.StreamDialer] that issues SOCKS5 CONNECT requests to a proxy.
type StreamDialer struct {
	proxyEndpoint transport.StreamEndpoint
	cred          *credentials
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a [StreamDialer] that routes connections to a SOCKS5
// proxy listening at the given [transport.StreamEndpoint].
func NewStreamDialer(endpoint transport.StreamEndpoint) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("argument endpoint must not be nil")
	}
	return &StreamDialer{proxyEndpoint: endpoint}, nil
}

// SetCredentials enables username/password authentication. Both must be 1 to 255 bytes long.
func (d *StreamDialer) SetCredentials(username, password []byte) error {
	if len(username) == 0 || len(username) > 255 {
		return errors.New("username must be 1 to 255 bytes")
	}
	if len(password) == 0 || len(password) > 255 {
		return errors.New("password must be 1 to 255 bytes")
	}
	d.cred = &credentials{username: username, password: password}
	return nil
}

// DialStream implements [transport.StreamDialer].DialStream using SOCKS5.
// It sends the method selection, credentials (if set) and the CONNECT request in one write,
// to avoid additional roundtrips.
// The returned [error] will be of type [ReplyCode] if the server sends a SOCKS error reply code, which
// you can check against the error constants in this package using [errors.Is].
func (d *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	request, err := d.appendRequest(nil, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 request: %w", err)
	}
	proxyConn, err := d.proxyEndpoint.ConnectStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not connect to SOCKS5 proxy: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		proxyConn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		proxyConn.SetDeadline(time.Unix(1, 0))
	})
	err = d.handshake(proxyConn, request)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		proxyConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return nil, err
	}
	proxyConn.SetDeadline(noDeadline)
	return proxyConn, nil
}

func (d *StreamDialer) appendRequest(b []byte, remoteAddr string) ([]byte, error) {
	// Method selection:
	// +----+----------+----------+
	// |VER | NMETHODS | METHODS  |
	// +----+----------+----------+
	// | 1  |    1     | 1 to 255 |
	// +----+----------+----------+
	if d.cred == nil {
		b = append(b, socksVersion, 1, authMethodNoAuth)
	} else {
		b = append(b, socksVersion, 1, authMethodUserPass)
		// +----+------+----------+------+----------+
		// |VER | ULEN |  UNAME   | PLEN |  PASSWD  |
		// +----+------+----------+------+----------+
		// | 1  |  1   | 1 to 255 |  1   | 1 to 255 |
		// +----+------+----------+------+----------+
		b = append(b, userPassVersion, byte(len(d.cred.username)))
		b = append(b, d.cred.username...)
		b = append(b, byte(len(d.cred.password)))
		b = append(b, d.cred.password...)
	}
	// +----+-----+-------+------+----------+----------+
	// |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	// +----+-----+-------+------+----------+----------+
	// | 1  |  1  | X'00' |  1   | Variable |    2     |
	// +----+-----+-------+------+----------+----------+
	b = append(b, socksVersion, cmdConnect, 0)
	return appendSOCKS5Address(b, remoteAddr)
}

func (d *StreamDialer) handshake(conn io.ReadWriter, request []byte) error {
	if _, err := conn.Write(request); err != nil {
		return fmt.Errorf("failed to write combined SOCKS5 request: %w", err)
	}
	var buffer [2]byte
	if _, err := io.ReadFull(conn, buffer[:]); err != nil {
		return fmt.Errorf("failed to read method server response: %w", err)
	}
	if buffer[0] != socksVersion {
		return fmt.Errorf("invalid protocol version %v. Expected 5", buffer[0])
	}
	switch buffer[1] {
	case authMethodNoAuth:
	case authMethodUserPass:
		if d.cred == nil {
			return errors.New("proxy requires username/password authentication")
		}
		if err := readAuthStatus(conn); err != nil {
			return err
		}
	case authMethodNoAcceptable:
		return errors.New("proxy accepted none of the offered authentication methods")
	default:
		return fmt.Errorf("unsupported SOCKS authentication method %v", buffer[1])
	}
	return readConnectReply(conn)
}

func readAuthStatus(r io.Reader) error {
	// +----+--------+
	// |VER | STATUS |
	// +----+--------+
	// | 1  |   1    |
	// +----+--------+
	var buffer [2]byte
	if _, err := io.ReadFull(r, buffer[:]); err != nil {
		return fmt.Errorf("failed to read authentication version and status: %w", err)
	}
	if buffer[0] != userPassVersion {
		return fmt.Errorf("invalid authentication version %v. Expected 1", buffer[0])
	}
	if buffer[1] != 0 {
		return fmt.Errorf("authentication failed: %v", buffer[1])
	}
	return nil
}

// readConnectReply consumes the CONNECT reply. The bound address is read and ignored.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
func readConnectReply(r io.Reader) error {
	// Large enough for a domain name BND.ADDR (up to 255 bytes) plus BND.PORT.
	var buffer [255 + 2]byte
	if _, err := io.ReadFull(r, buffer[:4]); err != nil {
		return fmt.Errorf("failed to read connect server response: %w", err)
	}
	if buffer[0] != socksVersion {
		return fmt.Errorf("invalid protocol version %v. Expected 5", buffer[0])
	}
	if buffer[1] != 0 {
		return ReplyCode(buffer[1])
	}
	var bndAddrLen int
	switch buffer[3] {
	case addrTypeIPv4:
		bndAddrLen = 4
	case addrTypeIPv6:
		bndAddrLen = 16
	case addrTypeDomainName:
		if _, err := io.ReadFull(r, buffer[:1]); err != nil {
			return fmt.Errorf("failed to read address length in connect response: %w", err)
		}
		bndAddrLen = int(buffer[0])
	default:
		return fmt.Errorf("invalid address type %v", buffer[3])
	}
	// BND.ADDR followed by BND.PORT.
	if _, err := io.ReadFull(r, buffer[:bndAddrLen+2]); err != nil {
		return fmt.Errorf("failed to read bound address: %w", err)
	}
	return nil
}

var noDeadline time.Time
