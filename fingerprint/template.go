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

package fingerprint

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/crypto/cryptobyte"
)

// TLS extension and handshake code points used when summarizing a ClientHello.
const (
	typeClientHello = 1

	extServerName        = 0
	extSupportedGroups   = 10
	extECPointFormats    = 11
	extPadding           = 21
	extSupportedVersions = 43
	extKeyShare          = 51

	versionTLS13 = 0x0304
	groupX25519  = 29
)

// templateServerName is the SNI used when building a ClientHello only to inspect it.
const templateServerName = "www.example.com"

// Template summarizes a ClientHello. GREASE values are removed.
type Template struct {
	Version           uint16
	CipherSuites      []uint16
	Extensions        []uint16
	SupportedGroups   []uint16
	PointFormats      []uint8
	SupportedVersions []uint16
}

// BuildTemplate generates the ClientHello of id without network I/O and summarizes it.
func BuildTemplate(id utls.ClientHelloID) (*Template, error) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	uconn := utls.UClient(client, &utls.Config{ServerName: templateServerName, InsecureSkipVerify: true}, id)
	if err := uconn.BuildHandshakeState(); err != nil {
		return nil, fmt.Errorf("failed to build ClientHello for %s: %w", id.Str(), err)
	}
	if uconn.HandshakeState.Hello == nil {
		return nil, errors.New("no ClientHello was built")
	}
	return ParseClientHello(uconn.HandshakeState.Hello.Raw)
}

// ParseClientHello summarizes a ClientHello handshake message, with or without the 4-byte
// handshake header.
func ParseClientHello(raw []byte) (*Template, error) {
	s := cryptobyte.String(raw)
	if len(raw) > 4 && raw[0] == typeClientHello && int(raw[1])<<16|int(raw[2])<<8|int(raw[3]) == len(raw)-4 {
		s = cryptobyte.String(raw[4:])
	}

	t := &Template{}
	var random []byte
	var sessionID, compression, suites cryptobyte.String
	if !s.ReadUint16(&t.Version) ||
		!s.ReadBytes(&random, 32) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&suites) ||
		!s.ReadUint8LengthPrefixed(&compression) {
		return nil, errors.New("malformed ClientHello")
	}
	for !suites.Empty() {
		var suite uint16
		if !suites.ReadUint16(&suite) {
			return nil, errors.New("malformed cipher suites")
		}
		if !isGrease(suite) {
			t.CipherSuites = append(t.CipherSuites, suite)
		}
	}
	if s.Empty() {
		return t, nil
	}

	var exts cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&exts) || !s.Empty() {
		return nil, errors.New("malformed extensions")
	}
	for !exts.Empty() {
		var extType uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&data) {
			return nil, errors.New("malformed extension")
		}
		if isGrease(extType) {
			continue
		}
		t.Extensions = append(t.Extensions, extType)
		var err error
		switch extType {
		case extSupportedGroups:
			t.SupportedGroups, err = readUint16List(&data, true)
		case extSupportedVersions:
			t.SupportedVersions, err = readUint16List(&data, false)
		case extECPointFormats:
			var formats cryptobyte.String
			if !data.ReadUint8LengthPrefixed(&formats) {
				err = errors.New("malformed point formats")
			}
			t.PointFormats = append([]uint8(nil), formats...)
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func readUint16List(data *cryptobyte.String, wideLength bool) ([]uint16, error) {
	var list cryptobyte.String
	var ok bool
	if wideLength {
		ok = data.ReadUint16LengthPrefixed(&list)
	} else {
		ok = data.ReadUint8LengthPrefixed(&list)
	}
	if !ok {
		return nil, errors.New("malformed extension list")
	}
	var values []uint16
	for !list.Empty() {
		var v uint16
		if !list.ReadUint16(&v) {
			return nil, errors.New("malformed extension list")
		}
		if !isGrease(v) {
			values = append(values, v)
		}
	}
	return values, nil
}

// isGrease reports whether v is a GREASE value as defined in RFC 8701.
func isGrease(v uint16) bool {
	return (v&0x0f0f) == 0x0a0a && byte(v>>8) == byte(v)
}

// JA3 renders the template as a JA3 string.
func (t *Template) JA3() string {
	formats := make([]uint16, len(t.PointFormats))
	for i, f := range t.PointFormats {
		formats[i] = uint16(f)
	}
	return strings.Join([]string{
		strconv.Itoa(int(t.Version)),
		joinUint16(t.CipherSuites),
		joinUint16(t.Extensions),
		joinUint16(t.SupportedGroups),
		joinUint16(formats),
	}, ",")
}

// Key identifies the ClientHello independently of extension order and padding, which some clients
// vary between handshakes.
func (t *Template) Key() string {
	exts := make([]uint16, 0, len(t.Extensions))
	for _, ext := range t.Extensions {
		if ext != extPadding {
			exts = append(exts, ext)
		}
	}
	slices.Sort(exts)
	return strings.Join([]string{
		strconv.Itoa(int(t.Version)),
		joinUint16(t.CipherSuites),
		joinUint16(exts),
		joinUint16(t.SupportedGroups),
		joinUint16(t.SupportedVersions),
	}, ",")
}

// Equal reports whether both templates describe the same client.
func (t *Template) Equal(other *Template) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.Key() == other.Key()
}

// validate rejects ClientHellos that modern servers are unlikely to accept.
func (t *Template) validate() error {
	if !slices.Contains(t.Extensions, extServerName) {
		return errors.New("ClientHello has no server name")
	}
	if !slices.Contains(t.SupportedVersions, versionTLS13) || !slices.Contains(t.Extensions, extKeyShare) {
		return errors.New("ClientHello does not offer TLS 1.3")
	}
	if !slices.Contains(t.SupportedGroups, groupX25519) {
		return errors.New("ClientHello does not offer X25519")
	}
	return nil
}

func joinUint16(values []uint16) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}
