// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport provides the byte-stream transports the protocol stack
// runs over: plain TCP, TLS-wrapped TCP and serial.
package transport

import (
	"context"
	"io"
	"time"
)

// Stream is an ordered byte stream that can be opened and reopened. The
// session engine owns the reconnect policy; a Stream only reports failures.
type Stream interface {
	io.Reader
	io.Writer

	// Connect opens the stream. It blocks until the stream is usable, the
	// context is done, or the attempt fails.
	Connect(ctx context.Context) error

	// Close closes the stream. A closed stream can be reopened with Connect.
	Close() error

	// Connected reports whether the stream is currently open.
	Connected() bool

	// SetDeadline bounds subsequent reads and writes. Transports that
	// cannot enforce deadlines ignore it.
	SetDeadline(t time.Time) error
}
