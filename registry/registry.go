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

// Package registry tracks running tunnels under small integer handles.
//
// A [Registry] is safe for concurrent use. Its lock only guards the handle table: dialing, closing
// and waiting for sessions happen outside of it.
package registry

import (
	"context"
	"crypto/x509"
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/udptlspipe/udptlspipe/diag"
	"github.com/udptlspipe/udptlspipe/fingerprint"
	"github.com/udptlspipe/udptlspipe/pipe"
	"github.com/udptlspipe/udptlspipe/transport"
)

// Version identifies this build of the tunnel client.
const Version = "1.3.1"

// Handle identifies a session in a [Registry]. Valid handles are positive.
type Handle int32

var (
	// ErrClosed is returned by Start after [Registry.Close].
	ErrClosed = errors.New("registry closed")
	// ErrStopped is returned by Start when the handle was stopped before the tunnel came up.
	ErrStopped = errors.New("stopped during setup")
)

// Codes returned to C callers for a failed start.
const (
	CodeConfig   = -1
	CodeConnect  = -2
	CodeTLS      = -3
	CodeAuth     = -4
	CodeListen   = -5
	CodeInternal = -6
)

// Code maps a Start error to its negative code. It returns 0 for a nil error.
func Code(err error) int {
	if err == nil {
		return 0
	}
	switch pipe.KindOf(err) {
	case pipe.KindConfig:
		return CodeConfig
	case pipe.KindConnect:
		return CodeConnect
	case pipe.KindTLS:
		return CodeTLS
	case pipe.KindAuth:
		return CodeAuth
	case pipe.KindListen:
		return CodeListen
	default:
		return CodeInternal
	}
}

type entry struct {
	// session is nil until the tunnel is up.
	session *pipe.Session
	cancel  context.CancelFunc
	stopped bool
	// done is closed once the entry has left the table.
	done chan struct{}
}

// Registry maps handles to sessions.
type Registry struct {
	log     *slog.Logger
	errs    *diag.ErrorSlot
	catalog *fingerprint.Catalog
	dialer  transport.StreamDialer
	roots   *x509.CertPool

	mu      sync.Mutex
	entries map[Handle]*entry
	next    Handle
	closed  bool
}

// Option configures a [Registry].
type Option func(r *Registry)

// WithLogger sets the logger passed to sessions that have none.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.log = logger
	}
}

// WithErrorSlot sets where failures are recorded.
func WithErrorSlot(slot *diag.ErrorSlot) Option {
	return func(r *Registry) {
		r.errs = slot
	}
}

// WithCatalog shares a fingerprint catalog between the registry's sessions.
func WithCatalog(catalog *fingerprint.Catalog) Option {
	return func(r *Registry) {
		r.catalog = catalog
	}
}

// WithBaseDialer sets the dialer for sessions that have none.
func WithBaseDialer(dialer transport.StreamDialer) Option {
	return func(r *Registry) {
		r.dialer = dialer
	}
}

// WithRootCAs sets the trusted roots for sessions that have none.
func WithRootCAs(roots *x509.CertPool) Option {
	return func(r *Registry) {
		r.roots = roots
	}
}

// New creates an empty [Registry].
func New(opts ...Option) *Registry {
	r := &Registry{entries: make(map[Handle]*entry)}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.New(diag.NewHandler(diag.Nop, nil))
	}
	if r.errs == nil {
		r.errs = &diag.ErrorSlot{}
	}
	if r.catalog == nil {
		r.catalog = fingerprint.NewCatalog()
	}
	return r
}

// allocate returns the next positive handle not in the table. Must be called with r.mu held.
func (r *Registry) allocate() Handle {
	for {
		if r.next == math.MaxInt32 {
			r.next = 0
		}
		r.next++
		if _, taken := r.entries[r.next]; !taken {
			return r.next
		}
	}
}

// Start dials a session for cfg and returns its handle once datagrams are being relayed.
// Failures are recorded in the error slot.
func (r *Registry) Start(ctx context.Context, cfg pipe.Config) (Handle, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.errs.Set(ErrClosed)
		return 0, ErrClosed
	}
	h := r.allocate()
	e := &entry{cancel: cancel, done: make(chan struct{})}
	r.entries[h] = e
	r.mu.Unlock()

	if cfg.Catalog == nil {
		cfg.Catalog = r.catalog
	}
	if cfg.Logger == nil {
		cfg.Logger = r.log.With("handle", int32(h))
	}
	if cfg.BaseDialer == nil {
		cfg.BaseDialer = r.dialer
	}
	if cfg.RootCAs == nil {
		cfg.RootCAs = r.roots
	}
	session, err := pipe.Dial(ctx, cfg)

	r.mu.Lock()
	if err == nil && e.stopped {
		err = ErrStopped
	}
	if err != nil {
		stopped := e.stopped
		r.remove(h, e)
		r.mu.Unlock()
		if session != nil {
			session.Close()
		}
		close(e.done)
		if stopped {
			r.log.Debug("Tunnel stopped during setup", "handle", int32(h), "error", err)
			return 0, err
		}
		r.log.Error("Failed to start tunnel", "handle", int32(h), "destination", cfg.Destination, "error", err)
		r.errs.Set(err)
		return 0, err
	}
	e.session = session
	r.mu.Unlock()

	go r.watch(h, e)
	return h, nil
}

// watch releases the handle once its session ends.
func (r *Registry) watch(h Handle, e *entry) {
	<-e.session.Done()
	if e.session.State() == pipe.StateFailed {
		r.errs.Set(e.session.Err())
	}
	r.mu.Lock()
	r.remove(h, e)
	r.mu.Unlock()
	close(e.done)
	r.log.Debug("Handle released", "handle", int32(h))
}

// remove deletes h if it still maps to e. Must be called with r.mu held.
func (r *Registry) remove(h Handle, e *entry) {
	if r.entries[h] == e {
		delete(r.entries, h)
	}
}

// Stop closes the session of h and waits until it is released. Unknown handles are ignored.
func (r *Registry) Stop(h Handle) {
	r.mu.Lock()
	e, ok := r.entries[h]
	if !ok {
		r.mu.Unlock()
		r.log.Debug("Stop of unknown handle", "handle", int32(h))
		return
	}
	session := e.session
	if session == nil {
		e.stopped = true
		e.cancel()
	}
	r.mu.Unlock()

	if session != nil {
		session.Close()
	}
	<-e.done
}

// LocalPort returns the local UDP port of h, or 0 when h is unknown or still starting.
func (r *Registry) LocalPort(h Handle) int {
	r.mu.Lock()
	var session *pipe.Session
	if e, ok := r.entries[h]; ok {
		session = e.session
	}
	r.mu.Unlock()
	if session == nil {
		return 0
	}
	return session.LocalPort()
}

// Fingerprint returns the ClientHello identity of h, if h is running.
func (r *Registry) Fingerprint(h Handle) (fingerprint.Fingerprint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok || e.session == nil {
		return fingerprint.Fingerprint{}, false
	}
	return e.session.Fingerprint(), true
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Done returns a channel that is closed once h has been released.
func (r *Registry) Done(h Handle) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[h]; ok {
		return e.done
	}
	return closedChan
}

// Len returns the number of tracked handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ResetFingerprint discards the cached randomized fingerprint. Running sessions keep theirs.
func (r *Registry) ResetFingerprint() {
	r.catalog.Reset()
	r.log.Debug("Randomized fingerprint reset")
}

// Close stops every session and makes further calls to Start fail.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	handles := make([]Handle, 0, len(r.entries))
	for h := range r.entries {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Stop(h)
		}()
	}
	wg.Wait()
}
