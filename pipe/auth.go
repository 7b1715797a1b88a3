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
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/hkdf"
)

// The authentication request sent right after the handshake when a password is set:
//
//	+--------+-----+-----------+-------+------+
//	| "UTPA" | VER | TIMESTAMP | NONCE | MAC  |
//	+--------+-----+-----------+-------+------+
//	|   4    |  1  |     8     |  16   |  32  |
//	+--------+-----+-----------+-------+------+
//
// TIMESTAMP is big-endian Unix seconds. MAC is HMAC-SHA256 over the preceding 29 bytes with a key
// derived from the password by HKDF-SHA256. The server answers with a single byte,
// [AuthAccepted] or anything else to reject.
const (
	authMagic     = "UTPA"
	authVersion   = 1
	authNonceSize = 16
	authMACSize   = sha256.Size
	authSignedLen = len(authMagic) + 1 + 8 + authNonceSize

	// AuthRequestSize is the encoded size of an [AuthRequest].
	AuthRequestSize = authSignedLen + authMACSize
	// AuthAccepted is the server reply that accepts the request.
	AuthAccepted byte = 0x00
	// AuthRejected is the reply a server sends to reject the request.
	AuthRejected byte = 0x01
)

var (
	authKeySalt = []byte("udptlspipe")
	authKeyInfo = []byte("udptlspipe auth v1")
)

// AuthRequest is the keyed proof of the password.
type AuthRequest struct {
	Timestamp time.Time
	Nonce     [authNonceSize]byte
	MAC       [authMACSize]byte
}

func deriveAuthKey(password string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(password), authKeySalt, authKeyInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// NewAuthRequest creates a request for password at time now with a nonce read from random.
// A nil random uses crypto/rand.
func NewAuthRequest(password string, now time.Time, random io.Reader) (*AuthRequest, error) {
	if random == nil {
		random = rand.Reader
	}
	req := &AuthRequest{Timestamp: time.Unix(now.Unix(), 0)}
	if _, err := io.ReadFull(random, req.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to create nonce: %w", err)
	}
	mac, err := req.computeMAC(password)
	if err != nil {
		return nil, err
	}
	copy(req.MAC[:], mac)
	return req, nil
}

func (r *AuthRequest) appendSigned(b []byte) []byte {
	b = append(b, authMagic...)
	b = append(b, authVersion)
	b = binary.BigEndian.AppendUint64(b, uint64(r.Timestamp.Unix()))
	return append(b, r.Nonce[:]...)
}

func (r *AuthRequest) computeMAC(password string) ([]byte, error) {
	key, err := deriveAuthKey(password)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, key)
	h.Write(r.appendSigned(make([]byte, 0, authSignedLen)))
	return h.Sum(nil), nil
}

// AppendBinary appends the encoded request to b.
func (r *AuthRequest) AppendBinary(b []byte) ([]byte, error) {
	b = r.appendSigned(b)
	return append(b, r.MAC[:]...), nil
}

// ParseAuthRequest decodes a request of [AuthRequestSize] bytes. It does not check the MAC.
func ParseAuthRequest(b []byte) (*AuthRequest, error) {
	if len(b) != AuthRequestSize {
		return nil, fmt.Errorf("invalid authentication request length %d", len(b))
	}
	if string(b[:len(authMagic)]) != authMagic {
		return nil, errors.New("invalid authentication request magic")
	}
	b = b[len(authMagic):]
	if b[0] != authVersion {
		return nil, fmt.Errorf("unsupported authentication version %d", b[0])
	}
	b = b[1:]
	req := &AuthRequest{Timestamp: time.Unix(int64(binary.BigEndian.Uint64(b)), 0)}
	b = b[8:]
	b = b[copy(req.Nonce[:], b):]
	copy(req.MAC[:], b)
	return req, nil
}

// Verify checks the MAC against password and, if maxSkew is positive, that the timestamp is within
// maxSkew of now.
func (r *AuthRequest) Verify(password string, now time.Time, maxSkew time.Duration) error {
	mac, err := r.computeMAC(password)
	if err != nil {
		return err
	}
	if !hmac.Equal(mac, r.MAC[:]) {
		return ErrAuthRejected
	}
	if maxSkew > 0 {
		skew := now.Sub(r.Timestamp)
		if skew < -maxSkew || skew > maxSkew {
			return fmt.Errorf("%w: timestamp is %v away from the server clock", ErrAuthRejected, skew)
		}
	}
	return nil
}

// authenticate sends the request for password on conn and waits up to timeout for the reply.
// Cancelling ctx interrupts the exchange.
func authenticate(ctx context.Context, conn net.Conn, password string, timeout time.Duration) error {
	req, err := NewAuthRequest(password, time.Now(), nil)
	if err != nil {
		return err
	}
	msg, _ := req.AppendBinary(make([]byte, 0, AuthRequestSize))
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("failed to send authentication request: %w", withCause(ctx, err))
	}
	var reply [1]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: connection closed by server", ErrAuthRejected)
		}
		return fmt.Errorf("failed to read authentication reply: %w", withCause(ctx, err))
	}
	if reply[0] != AuthAccepted {
		return fmt.Errorf("%w: server replied %#x", ErrAuthRejected, reply[0])
	}
	return nil
}

// withCause reports the cancellation instead of the deadline error it caused.
func withCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}
	return err
}
