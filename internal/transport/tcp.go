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

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrNotConnected is returned on I/O against a stream that is not open.
var ErrNotConnected = errors.New("transport: not connected")

// TCPStream is a Stream over a TCP connection, optionally wrapped in TLS.
type TCPStream struct {
	addr           string
	connectTimeout time.Duration
	tlsConf        *tls.Config

	mu   sync.Mutex
	conn net.Conn
	role string
}

// NewTCPStream creates a stream that dials addr.
func NewTCPStream(addr string, connectTimeout time.Duration) *TCPStream {
	return &TCPStream{addr: addr, connectTimeout: connectTimeout}
}

// NewTLSStream creates a stream that dials addr and performs a TLS
// handshake with the given configuration.
func NewTLSStream(addr string, connectTimeout time.Duration, conf *tls.Config) *TCPStream {
	return &TCPStream{addr: addr, connectTimeout: connectTimeout, tlsConf: conf}
}

// Connect dials the remote host and, for TLS streams, completes the
// handshake and validates the peer certificate.
func (t *TCPStream) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil // Already connected
	}

	dialer := &net.Dialer{
		Timeout:   t.connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp connect: %w", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
		tcpConn.SetNoDelay(true) // Disable Nagle's algorithm for low latency
	}

	if t.tlsConf != nil {
		tlsConn := tls.Client(conn, t.tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake: %w", err)
		}
		// the peer identity is fixed for the lifetime of the connection
		if state := tlsConn.ConnectionState(); len(state.PeerCertificates) > 0 {
			t.role = state.PeerCertificates[0].Subject.CommonName
		}
		conn = tlsConn
	}

	t.conn = conn
	return nil
}

// Role returns the authenticated peer identity of a TLS stream, or the
// empty string for plain TCP.
func (t *TCPStream) Role() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.role
}

// Close closes the connection. The stream can be reopened with Connect.
func (t *TCPStream) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	t.role = ""
	return err
}

// Connected reports whether the stream is open.
func (t *TCPStream) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// SetDeadline bounds subsequent reads and writes.
func (t *TCPStream) SetDeadline(deadline time.Time) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SetDeadline(deadline)
}

// Read reads from the connection.
func (t *TCPStream) Read(p []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.Read(p)
}

// Write writes to the connection.
func (t *TCPStream) Write(p []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.Write(p)
}
