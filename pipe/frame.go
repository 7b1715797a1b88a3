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
	"encoding/binary"
	"fmt"
	"io"
)

// MaxDatagramSize is the largest payload a frame can carry.
const MaxDatagramSize = 65535

// frameHeaderSize is the size of the big-endian length prefix.
const frameHeaderSize = 4

// AppendFrame appends the frame for payload to b.
func AppendFrame(b []byte, payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: payload length %d", ErrMalformedFrame, len(payload))
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(payload)))
	return append(b, payload...), nil
}

// ReadFrame reads one frame from r into buf and returns the payload.
// buf must hold at least [MaxDatagramSize] bytes.
//
// It returns [io.EOF] if the stream ends cleanly before a frame starts, and [ErrMalformedFrame]
// for a zero or oversized length or a stream that ends inside a frame.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: stream ended inside the length prefix", ErrMalformedFrame)
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > MaxDatagramSize {
		return nil, fmt.Errorf("%w: invalid length %d", ErrMalformedFrame, length)
	}
	if int(length) > len(buf) {
		return nil, fmt.Errorf("buffer of %d bytes is too small for frame of %d bytes", len(buf), length)
	}
	payload := buf[:length]
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: stream ended inside the payload", ErrMalformedFrame)
		}
		return nil, err
	}
	return payload, nil
}
