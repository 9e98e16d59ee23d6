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
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Server is a Modbus TCP server, optionally secured with TLS. It serves
// a fixed map of devices; requests addressed to units outside the map
// are dropped without a response.
type Server struct {
	devices  *DeviceMap
	opts     *serverOptions
	dispatch *dispatcher
	metrics  *ServerMetrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
}

// NewServer creates a server for the given devices. The device map is
// sealed: devices cannot be added after the server is created, though
// their databases remain mutable through Device.Update.
func NewServer(devices *DeviceMap, opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.auth == nil {
		options.auth = AllowAll{}
	}

	devices.seal()

	metrics := &ServerMetrics{}
	return &Server{
		devices: devices,
		opts:    options,
		metrics: metrics,
		dispatch: &dispatcher{
			devices: devices,
			auth:    options.auth,
			logger:  options.logger,
			metrics: metrics,
		},
		conns: make(map[net.Conn]struct{}),
	}
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// Device returns the device serving the given unit ID. Use
// Device.Update to change point values while the server is running.
func (s *Server) Device(unitID UnitID) (*Device, bool) {
	return s.devices.Device(unitID)
}

// ListenAndServe starts the server on the given TCP address.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// ListenAndServeTLS starts the server on the given address, requiring
// every client to present a certificate valid under the config's
// certificate mode.
func (s *Server) ListenAndServeTLS(addr string, tlsConfig *TLSConfig) error {
	conf, err := tlsConfig.ServerConfig()
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(tls.NewListener(listener, conf))
}

// Serve accepts connections on the given listener until Close is
// called. It blocks; run it on a Runtime worker or a goroutine.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("server started", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close shuts down the server. Open connections are closed; Close
// returns once every connection handler has exited.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("server stopped")
	return err
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		// Recover from panic to prevent server crash
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		s.wg.Done()
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.metrics.ActiveConns.Add(-1)
		s.mu.Unlock()
	}()

	s.opts.logger.Debug("connection accepted",
		slog.String("remote", conn.RemoteAddr().String()))

	// For TLS connections the role is the client certificate's common
	// name; reading it forces the handshake before the first frame.
	role := peerRole(conn)

	for {
		if atomic.LoadInt32(&s.closed) == 1 {
			return
		}

		if s.opts.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.readTimeout))
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF && atomic.LoadInt32(&s.closed) == 0 {
				// Timeouts are expected on idle connections
				if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
					s.opts.logger.Debug("read error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}
			return
		}

		pdu, ok := s.dispatch.process(frame.Header.UnitID, frame.PDU, role)
		if !ok {
			continue
		}

		resp := &Frame{
			Header: MBAPHeader{
				TransactionID: frame.Header.TransactionID,
				ProtocolID:    ProtocolID,
				UnitID:        frame.Header.UnitID,
			},
			PDU: pdu,
		}

		if s.opts.readTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.opts.readTimeout))
		}

		if _, err := conn.Write(resp.Encode()); err != nil {
			s.opts.logger.Debug("write error",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			return
		}
	}
}
