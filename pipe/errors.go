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
	"errors"
	"fmt"
)

// Kind classifies why a session failed.
type Kind int

const (
	// KindInternal covers failures that fit no other class.
	KindInternal Kind = iota
	// KindConfig is a rejected configuration: bad destination, profile, proxy URL or port.
	KindConfig
	// KindConnect is a failure to reach the destination, directly or through the proxy.
	KindConnect
	// KindTLS is a failed handshake or a rejected certificate.
	KindTLS
	// KindAuth is a rejected or timed out password exchange.
	KindAuth
	// KindListen is a failure to bind the local UDP socket.
	KindListen
	// KindFraming is a malformed frame or a broken stream after bridging started.
	KindFraming
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnect:
		return "connect"
	case KindTLS:
		return "tls"
	case KindAuth:
		return "auth"
	case KindListen:
		return "listen"
	case KindFraming:
		return "framing"
	default:
		return "internal"
	}
}

var (
	// ErrMalformedFrame is returned when a frame has an invalid length or is cut short.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrAuthRejected is returned when the server does not accept the password.
	ErrAuthRejected = errors.New("authentication rejected")
)

// Error is a session failure with its class and the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the [Kind] of the first [*Error] in err's chain, or [KindInternal].
func KindOf(err error) Kind {
	var pipeErr *Error
	if errors.As(err, &pipeErr) {
		return pipeErr.Kind
	}
	return KindInternal
}
