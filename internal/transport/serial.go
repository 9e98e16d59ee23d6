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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

// SerialConfig holds serial line settings for RTU.
type SerialConfig struct {
	Device   string        // e.g. /dev/ttyUSB0
	BaudRate int           // e.g. 19200
	DataBits int           // 5..8
	Parity   string        // "N", "E", "O"
	StopBits int           // 1 or 2
	Timeout  time.Duration // read timeout
}

// SerialStream is a Stream over a serial device. Opening a serial port
// configures the line; there is no handshake.
type SerialStream struct {
	config serial.Config

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewSerialStream creates a stream for the given serial device.
func NewSerialStream(cfg SerialConfig) *SerialStream {
	return &SerialStream{
		config: serial.Config{
			Address:  cfg.Device,
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			Parity:   cfg.Parity,
			StopBits: cfg.StopBits,
			Timeout:  cfg.Timeout,
		},
	}
}

// Connect opens and configures the serial device.
func (s *SerialStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if s.port != nil {
		return nil
	}
	port, err := serial.Open(&s.config)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", s.config.Address, err)
	}
	s.port = port
	return nil
}

// Close closes the serial device.
func (s *SerialStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Connected reports whether the device is open.
func (s *SerialStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// SetDeadline is a no-op: the serial layer enforces the read timeout
// configured on the port.
func (s *SerialStream) SetDeadline(time.Time) error {
	return nil
}

// Read reads from the serial device.
func (s *SerialStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, ErrNotConnected
	}
	return port.Read(p)
}

// Write writes to the serial device.
func (s *SerialStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, ErrNotConnected
	}
	return port.Write(p)
}
