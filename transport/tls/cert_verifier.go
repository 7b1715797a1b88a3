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

package tls

import (
	"crypto/x509"
	"errors"
)

// CertVerificationContext holds what the server presented during the handshake.
type CertVerificationContext struct {
	// PeerCertificates are the parsed certificates sent by the peer, in the order in which they were sent.
	// The first element is the leaf certificate that the connection is verified against.
	PeerCertificates []*x509.Certificate
}

// CertVerifier verifies the certificate chain presented by the server.
type CertVerifier interface {
	VerifyCertificate(info *CertVerificationContext) error
}

// FuncCertVerifier is a [CertVerifier] that calls a function.
type FuncCertVerifier func(info *CertVerificationContext) error

var _ CertVerifier = (FuncCertVerifier)(nil)

// VerifyCertificate implements [CertVerifier].
func (f FuncCertVerifier) VerifyCertificate(info *CertVerificationContext) error {
	return f(info)
}

// StandardCertVerifier verifies the chain the same way crypto/tls does, for a name that may differ
// from the SNI.
type StandardCertVerifier struct {
	// CertificateName is the name the leaf certificate must be valid for.
	CertificateName string
	// Roots is the set of trusted roots. Nil uses the system roots.
	Roots *x509.CertPool
}

var _ CertVerifier = (*StandardCertVerifier)(nil)

// VerifyCertificate implements [CertVerifier].
func (v *StandardCertVerifier) VerifyCertificate(info *CertVerificationContext) error {
	if len(info.PeerCertificates) == 0 {
		return errors.New("no peer certificates")
	}
	// This replicates the logic in the standard library verification:
	// https://cs.opensource.google/go/go/+/master:src/crypto/tls/handshake_client.go;l=982;drc=b5f87b5407916c4049a3158cc944cebfd7a883a9
	// And the documentation example:
	// https://pkg.go.dev/crypto/tls#example-Config-VerifyConnection
	opts := x509.VerifyOptions{
		DNSName:       v.CertificateName,
		Roots:         v.Roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range info.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := info.PeerCertificates[0].Verify(opts)
	return err
}
