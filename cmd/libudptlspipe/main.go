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

// Command libudptlspipe builds the tunnel client as a C library:
//
//	go build -buildmode=c-shared -o libudptlspipe.so ./cmd/libudptlspipe
//
// The exported functions are declared in udptlspipe.h.
package main

// #include <stdlib.h>
// typedef void (*udptlspipe_logger_fn_t)(void *context, int level, const char *msg);
// static void callLogger(udptlspipe_logger_fn_t fn, void *ctx, int level, const char *msg)
// {
// 	fn(ctx, level, msg);
// }
import "C"

import (
	"context"
	"log/slog"
	"strings"
	"unsafe"

	"github.com/udptlspipe/udptlspipe/diag"
	"github.com/udptlspipe/udptlspipe/fingerprint"
	"github.com/udptlspipe/udptlspipe/pipe"
	"github.com/udptlspipe/udptlspipe/registry"
	"golang.org/x/sys/unix"
)

// cLogger forwards log lines to the host callback.
type cLogger struct {
	fn  C.udptlspipe_logger_fn_t
	ctx unsafe.Pointer
}

func (l *cLogger) Log(level diag.Level, msg string) {
	b, err := unix.BytePtrFromString(msg)
	if err != nil {
		// The message has a NUL byte.
		b, _ = unix.BytePtrFromString(strings.ReplaceAll(msg, "\x00", `\x00`))
	}
	C.callLogger(l.fn, l.ctx, C.int(level), (*C.char)(unsafe.Pointer(b)))
}

var (
	logHandler = diag.NewHandler(diag.Nop, slog.LevelInfo)
	lastError  = &diag.ErrorSlot{}
	pipes      = registry.New(
		registry.WithLogger(slog.New(logHandler)),
		registry.WithErrorSlot(lastError),
	)
)

//export udptlspipeSetLogger
func udptlspipeSetLogger(ctx unsafe.Pointer, loggerFn C.udptlspipe_logger_fn_t) {
	if loggerFn == nil {
		logHandler.SetLogger(nil)
		return
	}
	logHandler.SetLogger(&cLogger{fn: loggerFn, ctx: ctx})
}

// udptlspipeStart returns a positive handle, or a negative code for the class of failure.
//
//export udptlspipeStart
func udptlspipeStart(destination *C.char, password *C.char, tlsServerName *C.char, secure C.int,
	proxy *C.char, fingerprintProfile *C.char, listenPort C.int) C.int {
	cfg := pipe.Config{
		Destination: C.GoString(destination),
		Password:    C.GoString(password),
		ServerName:  C.GoString(tlsServerName),
		Secure:      secure != 0,
		ProxyURL:    C.GoString(proxy),
		Profile:     C.GoString(fingerprintProfile),
		ListenPort:  int(listenPort),
	}
	if cfg.Profile == "" {
		cfg.Profile = string(fingerprint.DefaultProfile)
	}
	h, err := pipes.Start(context.Background(), cfg)
	if err != nil {
		return C.int(registry.Code(err))
	}
	return C.int(h)
}

//export udptlspipeStop
func udptlspipeStop(handle C.int) {
	pipes.Stop(registry.Handle(handle))
}

//export udptlspipeGetLocalPort
func udptlspipeGetLocalPort(handle C.int) C.int {
	return C.int(pipes.LocalPort(registry.Handle(handle)))
}

// udptlspipeVersion returns a string the caller must free.
//
//export udptlspipeVersion
func udptlspipeVersion() *C.char {
	return C.CString(registry.Version)
}

//export udptlspipeResetFingerprint
func udptlspipeResetFingerprint() {
	pipes.ResetFingerprint()
}

// udptlspipeGetLastError returns NULL or a string the caller must free.
//
//export udptlspipeGetLastError
func udptlspipeGetLastError() *C.char {
	msg, ok := lastError.Get()
	if !ok {
		return nil
	}
	return C.CString(msg)
}

//export udptlspipeClearLastError
func udptlspipeClearLastError() {
	lastError.Clear()
}

func main() {}
