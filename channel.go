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
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/edgeo-scada/modbus/internal/transport"
)

// SerialConfig holds serial line settings for an RTU channel or server.
type SerialConfig struct {
	Device   string        // e.g. /dev/ttyUSB0
	BaudRate int           // e.g. 19200
	DataBits int           // 5..8
	Parity   string        // "N", "E", "O"
	StopBits int           // 1 or 2
	Timeout  time.Duration // how long to wait for a slave response
}

func (c SerialConfig) transportConfig() transport.SerialConfig {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return transport.SerialConfig{
		Device:   c.Device,
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   c.Parity,
		StopBits: c.StopBits,
		Timeout:  timeout,
	}
}

type result struct {
	pdu []byte
	err error
}

// pending is a queued request. done is buffered so the session loop
// never blocks completing it, and complete is idempotent so a request
// is resolved exactly once even when cancellation races completion.
type pending struct {
	unitID  UnitID
	fc      FunctionCode
	pdu     []byte
	timeout time.Duration
	done    chan result
}

func newPending(param RequestParam, fc FunctionCode, pdu []byte) *pending {
	timeout := param.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &pending{
		unitID:  param.UnitID,
		fc:      fc,
		pdu:     pdu,
		timeout: timeout,
		done:    make(chan result, 1),
	}
}

func (p *pending) complete(pdu []byte, err error) {
	select {
	case p.done <- result{pdu: pdu, err: err}:
	default:
	}
}

// framer runs one request/response exchange over an open stream.
type framer interface {
	exchange(s transport.Stream, p *pending) ([]byte, error)
}

// mbapFramer implements MBAP framing for TCP and TLS channels.
// Responses whose transaction ID does not match the outstanding request
// are stale replies to requests that already timed out; they are
// discarded and the read continues until the deadline.
type mbapFramer struct {
	txGen TransactionIDGenerator
}

func (f *mbapFramer) exchange(s transport.Stream, p *pending) ([]byte, error) {
	txID := f.txGen.Next()
	frame := Frame{
		Header: MBAPHeader{
			TransactionID: txID,
			ProtocolID:    ProtocolID,
			UnitID:        p.unitID,
		},
		PDU: p.pdu,
	}

	if _, err := s.Write(frame.Encode()); err != nil {
		return nil, err
	}

	for {
		resp, err := ReadFrame(s)
		if err != nil {
			return nil, err
		}
		if resp.Header.TransactionID != txID {
			continue
		}
		if resp.Header.UnitID != p.unitID {
			return nil, ErrInvalidResponse
		}
		return resp.PDU, nil
	}
}

// rtuFramer implements RTU framing for serial channels. It enforces the
// inter-frame silent interval between transmissions and treats frames
// with a bad CRC as never received.
type rtuFramer struct {
	delay        time.Duration
	lastActivity time.Time
}

func (f *rtuFramer) exchange(s transport.Stream, p *pending) ([]byte, error) {
	if wait := time.Until(f.lastActivity.Add(f.delay)); wait > 0 {
		time.Sleep(wait)
	}

	frame := RTUFrame{UnitID: p.unitID, PDU: p.pdu}
	adu, err := frame.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := s.Write(adu); err != nil {
		return nil, err
	}
	f.lastActivity = time.Now()

	// The serial layer cannot enforce a deadline itself; bound the
	// response hunt here so a noisy line cannot hold the request forever.
	raw, err := ReadRTUResponse(s, p.unitID, p.fc, p.pdu, time.Now().Add(p.timeout))
	f.lastActivity = time.Now()
	if err != nil {
		return nil, err
	}

	resp, err := DecodeRTUFrame(raw)
	if err != nil {
		return nil, err
	}
	return resp.PDU, nil
}

// Channel is a client communication channel to one Modbus endpoint. It
// owns a request queue and a connection lifecycle: requests are queued
// by the caller and executed one at a time by a session loop running on
// a Runtime worker. Connection loss triggers automatic reconnection
// governed by the channel's RetryStrategy; a request is never sent more
// than once.
type Channel struct {
	stream  transport.Stream
	framer  framer
	opts    *channelOptions
	logger  *slog.Logger
	metrics *ChannelMetrics

	queue  chan *pending
	ctl    chan bool // enable / disable
	stopCh chan struct{}
	doneCh chan struct{}

	mu     sync.Mutex
	state  ChannelState
	closed bool
}

// NewTCPChannel creates a channel to a plain TCP endpoint and starts its
// session loop on the runtime. The channel starts disabled.
func NewTCPChannel(rt *Runtime, addr string, opts ...Option) (*Channel, error) {
	o := applyOptions(opts)
	stream := transport.NewTCPStream(addr, o.connectTimeout)
	return newChannel(rt, stream, &mbapFramer{}, o, "tcp", addr)
}

// NewTLSChannel creates a channel to a Modbus Security endpoint and
// starts its session loop on the runtime. The channel starts disabled.
func NewTLSChannel(rt *Runtime, addr string, tlsConfig *TLSConfig, opts ...Option) (*Channel, error) {
	o := applyOptions(opts)
	conf, err := tlsConfig.ClientConfig()
	if err != nil {
		return nil, err
	}
	stream := transport.NewTLSStream(addr, o.connectTimeout, conf)
	return newChannel(rt, stream, &mbapFramer{}, o, "tls", addr)
}

// NewRTUChannel creates a channel over a serial line using RTU framing
// and starts its session loop on the runtime. The channel starts
// disabled.
func NewRTUChannel(rt *Runtime, serialConfig SerialConfig, opts ...Option) (*Channel, error) {
	o := applyOptions(opts)
	stream := transport.NewSerialStream(serialConfig.transportConfig())
	f := &rtuFramer{delay: InterFrameDelay(serialConfig.BaudRate)}
	return newChannel(rt, stream, f, o, "rtu", serialConfig.Device)
}

func applyOptions(opts []Option) *channelOptions {
	o := defaultChannelOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newChannel(rt *Runtime, stream transport.Stream, f framer, o *channelOptions, kind, endpoint string) (*Channel, error) {
	ch := &Channel{
		stream:  stream,
		framer:  f,
		opts:    o,
		logger:  o.logger.With(slog.String("channel", kind), slog.String("endpoint", endpoint)),
		metrics: NewChannelMetrics(),
		queue:   make(chan *pending, o.queueCapacity),
		ctl:     make(chan bool, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		state:   StateDisabled,
	}
	if err := rt.Spawn(ch.run); err != nil {
		return nil, err
	}
	return ch, nil
}

// State returns the channel's current state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metrics returns the channel's metrics.
func (c *Channel) Metrics() *ChannelMetrics {
	return c.metrics
}

// Enable starts connecting. Enabling an enabled channel has no effect.
func (c *Channel) Enable() error {
	return c.setEnabled(true)
}

// Disable closes any open connection and stops connecting. Queued
// requests fail with ErrChannelDisabled. Disabling a disabled channel
// has no effect.
func (c *Channel) Disable() error {
	return c.setEnabled(false)
}

func (c *Channel) setEnabled(enabled bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.mu.Unlock()

	// Collapse rapid toggles: only the latest intent matters.
	for {
		select {
		case c.ctl <- enabled:
			return nil
		default:
			select {
			case <-c.ctl:
			default:
			}
		}
	}
}

// Close permanently shuts the channel down. Queued and in-flight
// requests fail with ErrChannelClosed. Close blocks until the session
// loop has exited and is safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.doneCh
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
	return nil
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("channel state changed", slog.String("state", s.String()))
	if c.opts.listener != nil {
		c.opts.listener(s)
	}
}

// submit queues a request without blocking. A full queue fails fast so
// callers see backpressure instead of unbounded latency.
func (c *Channel) submit(p *pending) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.mu.Unlock()

	select {
	case c.queue <- p:
		return nil
	default:
		c.metrics.QueueDrops.Add(1)
		return ErrQueueFull
	}
}

// execute queues a request and waits for its completion or the
// cancellation of ctx.
func (c *Channel) execute(ctx context.Context, p *pending) ([]byte, error) {
	if err := c.submit(p); err != nil {
		return nil, err
	}
	select {
	case r := <-p.done:
		return r.pdu, r.err
	case <-ctx.Done():
		// The request may still be transmitted; the session loop will
		// complete it into the buffered channel where it is discarded.
		return nil, ctx.Err()
	}
}

// run is the session loop. It owns the stream and the channel state;
// nothing else touches the connection.
func (c *Channel) run() {
	defer close(c.doneCh)
	defer c.stream.Close()
	defer c.drainQueue(ErrChannelClosed)
	defer c.setState(StateDisabled)

	enabled := false
	for {
		if !enabled {
			c.setState(StateDisabled)
			select {
			case enabled = <-c.ctl:
			case p := <-c.queue:
				// An enable sent just before this request may be ready
				// in the same select; it was sent first, so it wins and
				// the request stays queued.
				select {
				case enabled = <-c.ctl:
					if enabled {
						c.requeue(p)
						continue
					}
				default:
				}
				p.complete(nil, ErrChannelDisabled)
			case <-c.stopCh:
				return
			}
			continue
		}

		// Connect, retrying with backoff until connected, disabled or
		// closed.
		if !c.connectLoop(&enabled) {
			if !enabled {
				c.stream.Close()
				c.drainQueue(ErrChannelDisabled)
				continue
			}
			return
		}

		c.opts.retry.Reset()
		c.setState(StateConnected)
		c.sessionLoop(&enabled)
	}
}

// connectLoop attempts to connect until success. It returns false when
// the channel is disabled or closed before a connection is established.
func (c *Channel) connectLoop(enabled *bool) bool {
	for {
		c.setState(StateConnecting)

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.connectTimeout)
		err := c.stream.Connect(ctx)
		cancel()
		if err == nil {
			return true
		}

		delay := c.opts.retry.AfterFailedConnect()
		c.logger.Warn("connect failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay))

		// Requests queued while the endpoint is unreachable fail now
		// rather than waiting out the backoff.
		c.drainQueue(errors.Join(ErrChannelDown, err))

		c.setState(StateWaitRetry)
		timer := time.NewTimer(delay)
		waiting := true
		for waiting {
			select {
			case <-timer.C:
				waiting = false
			case en := <-c.ctl:
				if !en {
					timer.Stop()
					*enabled = false
					return false
				}
				// redundant enable; the backoff delay still applies
			case p := <-c.queue:
				p.complete(nil, ErrChannelDown)
			case <-c.stopCh:
				timer.Stop()
				return false
			}
		}
	}
}

// sessionLoop serves requests over an established connection until the
// connection drops, the channel is disabled, or the channel is closed.
func (c *Channel) sessionLoop(enabled *bool) {
	for {
		select {
		case p := <-c.queue:
			if !c.serve(p) {
				c.stream.Close()
				c.metrics.Reconnections.Add(1)

				delay := c.opts.retry.AfterDisconnect()
				c.logger.Warn("connection lost", slog.Duration("retry_in", delay))
				c.setState(StateWaitRetry)

				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case en := <-c.ctl:
					timer.Stop()
					if !en {
						*enabled = false
						c.drainQueue(ErrChannelDisabled)
					}
				case <-c.stopCh:
					timer.Stop()
					*enabled = false // force exit through run's stopCh check
				}
				return
			}
		case en := <-c.ctl:
			if !en {
				*enabled = false
				c.stream.Close()
				c.drainQueue(ErrChannelDisabled)
				return
			}
		case <-c.stopCh:
			*enabled = false
			return
		}
	}
}

// serve executes one request. It returns false when the connection is
// no longer usable and the channel must reconnect. A response timeout
// fails only the request: the connection stays up.
func (c *Channel) serve(p *pending) bool {
	c.metrics.RequestsTotal.Add(1)
	start := time.Now()

	deadline := start.Add(p.timeout)
	if err := c.stream.SetDeadline(deadline); err != nil {
		p.complete(nil, err)
		return false
	}

	if c.opts.decodeLevel >= DecodeHeader {
		c.logger.Debug("request",
			slog.Uint64("unit_id", uint64(p.unitID)),
			slog.String("func", p.fc.String()),
			slog.Int("pdu_len", len(p.pdu)))
	}

	pdu, err := c.framer.exchange(c.stream, p)
	c.metrics.Latency.Observe(time.Since(start))

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.metrics.RequestsTimeout.Add(1)
			p.complete(nil, ErrTimeout)
			// Serial reads surface timeouts per poll interval; the line
			// itself is still healthy either way.
			return true
		}
		c.metrics.RequestsErrors.Add(1)
		p.complete(nil, err)
		return false
	}

	if c.opts.decodeLevel >= DecodePayload {
		c.logger.Debug("response",
			slog.Uint64("unit_id", uint64(p.unitID)),
			slog.String("pdu", fmt.Sprintf("%x", pdu)))
	}

	if IsExceptionResponse(pdu) {
		c.metrics.RequestsErrors.Add(1)
		p.complete(nil, ParseExceptionResponse(pdu))
		return true
	}

	if len(pdu) == 0 || FunctionCode(pdu[0]) != p.fc {
		c.metrics.RequestsErrors.Add(1)
		p.complete(nil, ErrInvalidResponse)
		return false
	}

	c.metrics.RequestsSuccess.Add(1)
	p.complete(pdu, nil)
	return true
}

// requeue puts a dequeued request back. The slot just freed can be
// taken by a concurrent submit first; the request then fails as any
// other overflow would.
func (c *Channel) requeue(p *pending) {
	select {
	case c.queue <- p:
	default:
		c.metrics.QueueDrops.Add(1)
		p.complete(nil, ErrQueueFull)
	}
}

func (c *Channel) drainQueue(err error) {
	for {
		select {
		case p := <-c.queue:
			p.complete(nil, err)
		default:
			return
		}
	}
}

// ReadCoils reads coil states from the addressed unit.
func (c *Channel) ReadCoils(ctx context.Context, param RequestParam, r AddressRange) ([]BitValue, error) {
	pdu, err := BuildReadCoilsPDU(r)
	if err != nil {
		return nil, err
	}
	resp, err := c.execute(ctx, newPending(param, FuncReadCoils, pdu))
	if err != nil {
		return nil, err
	}
	return ParseBitsResponse(resp, r)
}

// ReadDiscreteInputs reads discrete input states from the addressed unit.
func (c *Channel) ReadDiscreteInputs(ctx context.Context, param RequestParam, r AddressRange) ([]BitValue, error) {
	pdu, err := BuildReadDiscreteInputsPDU(r)
	if err != nil {
		return nil, err
	}
	resp, err := c.execute(ctx, newPending(param, FuncReadDiscreteInputs, pdu))
	if err != nil {
		return nil, err
	}
	return ParseBitsResponse(resp, r)
}

// ReadHoldingRegisters reads holding registers from the addressed unit.
func (c *Channel) ReadHoldingRegisters(ctx context.Context, param RequestParam, r AddressRange) ([]RegisterValue, error) {
	pdu, err := BuildReadHoldingRegistersPDU(r)
	if err != nil {
		return nil, err
	}
	resp, err := c.execute(ctx, newPending(param, FuncReadHoldingRegisters, pdu))
	if err != nil {
		return nil, err
	}
	return ParseRegistersResponse(resp, r)
}

// ReadInputRegisters reads input registers from the addressed unit.
func (c *Channel) ReadInputRegisters(ctx context.Context, param RequestParam, r AddressRange) ([]RegisterValue, error) {
	pdu, err := BuildReadInputRegistersPDU(r)
	if err != nil {
		return nil, err
	}
	resp, err := c.execute(ctx, newPending(param, FuncReadInputRegisters, pdu))
	if err != nil {
		return nil, err
	}
	return ParseRegistersResponse(resp, r)
}

// WriteSingleCoil writes one coil on the addressed unit.
func (c *Channel) WriteSingleCoil(ctx context.Context, param RequestParam, index uint16, value bool) error {
	pdu := BuildWriteSingleCoilPDU(index, value)
	resp, err := c.execute(ctx, newPending(param, FuncWriteSingleCoil, pdu))
	if err != nil {
		return err
	}
	expected := uint16(CoilOff)
	if value {
		expected = CoilOn
	}
	return ParseWriteResponse(resp, index, expected)
}

// WriteSingleRegister writes one holding register on the addressed unit.
func (c *Channel) WriteSingleRegister(ctx context.Context, param RequestParam, index, value uint16) error {
	pdu := BuildWriteSingleRegisterPDU(index, value)
	resp, err := c.execute(ctx, newPending(param, FuncWriteSingleRegister, pdu))
	if err != nil {
		return err
	}
	return ParseWriteResponse(resp, index, value)
}

// WriteMultipleCoils writes a contiguous run of coils starting at start.
func (c *Channel) WriteMultipleCoils(ctx context.Context, param RequestParam, start uint16, values []bool) error {
	pdu, err := BuildWriteMultipleCoilsPDU(start, values)
	if err != nil {
		return err
	}
	resp, err := c.execute(ctx, newPending(param, FuncWriteMultipleCoils, pdu))
	if err != nil {
		return err
	}
	return ParseWriteMultipleResponse(resp, start, uint16(len(values)))
}

// WriteMultipleRegisters writes a contiguous run of holding registers
// starting at start.
func (c *Channel) WriteMultipleRegisters(ctx context.Context, param RequestParam, start uint16, values []uint16) error {
	pdu, err := BuildWriteMultipleRegistersPDU(start, values)
	if err != nil {
		return err
	}
	resp, err := c.execute(ctx, newPending(param, FuncWriteMultipleRegisters, pdu))
	if err != nil {
		return err
	}
	return ParseWriteMultipleResponse(resp, start, uint16(len(values)))
}
