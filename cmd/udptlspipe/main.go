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

// Command udptlspipe runs a tunnel client that relays datagrams from a local UDP port to a
// udptlspipe server over TLS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/udptlspipe/udptlspipe/pipe"
	"github.com/udptlspipe/udptlspipe/proxy"
	"github.com/udptlspipe/udptlspipe/registry"
	"golang.org/x/term"
)

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.version {
		fmt.Println(registry.Version)
		return
	}

	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts.pipe.Logger = slog.Default()
	slog.Debug("Starting tunnel", "destination", opts.pipe.Destination, "proxy", proxy.Redact(opts.pipe.ProxyURL))
	session, err := pipe.Dial(ctx, opts.pipe)
	if err != nil {
		slog.Error("Could not start the tunnel", "kind", pipe.KindOf(err).String(), "error", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Listening on %v\n", session.LocalAddr())

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
		session.Close()
	case <-session.Done():
	}
	if session.State() == pipe.StateFailed {
		os.Exit(1)
	}
}
