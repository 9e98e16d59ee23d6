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

package modbus

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/modbus/internal/transport"
)

// SerialServer is a Modbus RTU server bound to one serial line. It
// answers requests addressed to the units of its device map; frames
// with a bad CRC or an unknown unit ID are discarded without a reply,
// as a shared multi-drop line requires.
type SerialServer struct {
	stream   transport.Stream
	delay    time.Duration
	opts     *serverOptions
	dispatch *dispatcher
	metrics  *ServerMetrics

	closed int32
	doneCh chan struct{}
}

// NewSerialServer creates an RTU server on the given serial line. The
// device map is sealed on creation.
func NewSerialServer(serialConfig SerialConfig, devices *DeviceMap, opts ...ServerOption) *SerialServer {
	stream := transport.NewSerialStream(serialConfig.transportConfig())
	return newSerialServer(stream, InterFrameDelay(serialConfig.BaudRate), devices, opts...)
}

func newSerialServer(stream transport.Stream, delay time.Duration, devices *DeviceMap, opts ...ServerOption) *SerialServer {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.auth == nil {
		options.auth = AllowAll{}
	}

	devices.seal()

	metrics := &ServerMetrics{}
	return &SerialServer{
		stream: stream,
		delay:  delay,
		opts:   options,
		dispatch: &dispatcher{
			devices: devices,
			auth:    options.auth,
			logger:  options.logger,
			metrics: metrics,
		},
		metrics: metrics,
		doneCh:  make(chan struct{}),
	}
}

// Metrics returns the server metrics.
func (s *SerialServer) Metrics() *ServerMetrics {
	return s.metrics
}

// Device returns the device serving the given unit ID.
func (s *SerialServer) Device(unitID UnitID) (*Device, bool) {
	return s.dispatch.devices.Device(unitID)
}

// Serve opens the serial line and answers requests until Close is
// called. It blocks; run it on a Runtime worker or a goroutine.
func (s *SerialServer) Serve() error {
	defer close(s.doneCh)

	if err := s.stream.Connect(context.Background()); err != nil {
		return err
	}
	defer s.stream.Close()
	s.opts.logger.Info("serial server started")

	var lastActivity time.Time
	for {
		if atomic.LoadInt32(&s.closed) == 1 {
			return nil
		}

		raw, err := ReadRTURequest(s.stream)
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// idle line
				continue
			}
			if errors.Is(err, ErrInvalidFrame) {
				s.metrics.RequestsDropped.Add(1)
				s.opts.logger.Debug("discarding malformed frame",
					slog.String("error", err.Error()))
				continue
			}
			s.opts.logger.Error("serial read error", slog.String("error", err.Error()))
			return err
		}
		lastActivity = time.Now()

		frame, err := DecodeRTUFrame(raw)
		if err != nil {
			// A corrupted frame is treated as never received.
			s.metrics.RequestsDropped.Add(1)
			s.opts.logger.Debug("discarding frame with bad CRC")
			continue
		}

		pdu, ok := s.dispatch.process(frame.UnitID, frame.PDU, "")
		if !ok {
			continue
		}

		resp := RTUFrame{UnitID: frame.UnitID, PDU: pdu}
		adu, err := resp.Encode()
		if err != nil {
			s.opts.logger.Error("encode response", slog.String("error", err.Error()))
			continue
		}

		if wait := time.Until(lastActivity.Add(s.delay)); wait > 0 {
			time.Sleep(wait)
		}
		if _, err := s.stream.Write(adu); err != nil {
			s.opts.logger.Error("serial write error", slog.String("error", err.Error()))
			return err
		}
		lastActivity = time.Now()
	}
}

// Close stops the server and closes the serial line. It blocks until
// the serve loop has exited and must only be called after Serve has
// been started.
func (s *SerialServer) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		<-s.doneCh
		return nil
	}
	err := s.stream.Close()
	<-s.doneCh
	s.opts.logger.Info("serial server stopped")
	return err
}
