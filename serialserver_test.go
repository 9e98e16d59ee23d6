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
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

// lineIdleError mimics a serial read timing out on a quiet line.
type lineIdleError struct{}

func (lineIdleError) Error() string   { return "line idle" }
func (lineIdleError) Timeout() bool   { return true }
func (lineIdleError) Temporary() bool { return true }

// scriptedLine is an in-memory serial line. Each inbound segment is
// separated by a read timeout, the way inter-frame silence surfaces on
// a real port; after the last segment reads return io.EOF, which stops
// the serve loop. Writes are captured for inspection.
type scriptedLine struct {
	segments [][]byte
	pos      int
	off      int
	out      bytes.Buffer
}

func (s *scriptedLine) Connect(ctx context.Context) error { return nil }
func (s *scriptedLine) Close() error                      { return nil }
func (s *scriptedLine) Connected() bool                   { return true }
func (s *scriptedLine) SetDeadline(time.Time) error       { return nil }
func (s *scriptedLine) Write(p []byte) (int, error)       { return s.out.Write(p) }

func (s *scriptedLine) Read(p []byte) (int, error) {
	if s.pos >= len(s.segments) {
		return 0, io.EOF
	}
	seg := s.segments[s.pos]
	if s.off >= len(seg) {
		s.pos++
		s.off = 0
		if s.pos >= len(s.segments) {
			return 0, io.EOF
		}
		return 0, lineIdleError{}
	}
	n := copy(p, seg[s.off:])
	s.off += n
	return n, nil
}

func encodeRTU(t *testing.T, unitID UnitID, pdu []byte) []byte {
	t.Helper()
	frame := RTUFrame{UnitID: unitID, PDU: pdu}
	adu, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return adu
}

func TestSerialServer_ServeLoop(t *testing.T) {
	devices := NewDeviceMap()
	devices.Add(2, nil, func(db *Database) {
		db.AddHoldingRegister(0, 0x1234)
	})

	readPDU := []byte{byte(FuncReadHoldingRegisters), 0x00, 0x00, 0x00, 0x01}

	// A CRC-corrupted frame, a request for an unknown unit, then a valid
	// request. Only the last may produce a response.
	corrupt := encodeRTU(t, 2, readPDU)
	corrupt[len(corrupt)-1] ^= 0xFF
	unknownUnit := encodeRTU(t, 9, readPDU)
	valid := encodeRTU(t, 2, readPDU)

	line := &scriptedLine{segments: [][]byte{corrupt, unknownUnit, valid}}
	server := newSerialServer(line, 0, devices)

	if err := server.Serve(); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF at end of script, got %v", err)
	}

	resp, err := DecodeRTUFrame(line.out.Bytes())
	if err != nil {
		t.Fatalf("Response did not decode: %v", err)
	}
	if resp.UnitID != 2 {
		t.Errorf("Expected response from unit 2, got %d", resp.UnitID)
	}
	expected := []byte{byte(FuncReadHoldingRegisters), 0x02, 0x12, 0x34}
	if !bytes.Equal(resp.PDU, expected) {
		t.Errorf("Expected PDU %x, got %x", expected, resp.PDU)
	}

	// Exactly one frame on the wire: the corrupted frame and the unknown
	// unit were silently dropped
	if got, want := line.out.Len(), len(resp.PDU)+3; got != want {
		t.Errorf("Expected %d bytes written, got %d", want, got)
	}
	if server.Metrics().RequestsDropped.Value() != 2 {
		t.Errorf("Expected 2 dropped requests, got %d", server.Metrics().RequestsDropped.Value())
	}
}

func TestSerialServer_MalformedFrameResync(t *testing.T) {
	devices := NewDeviceMap()
	devices.Add(2, nil, func(db *Database) {
		db.AddCoil(0, true)
	})

	// An out-of-scope function code with a trailing tail the reader
	// cannot size. The loop must drain it to the end of the segment and
	// still answer the next well-formed request.
	junk := []byte{0x02, 0x2B, 0x0E, 0x01, 0x00, 0x17, 0x42}
	valid := encodeRTU(t, 2, []byte{byte(FuncReadCoils), 0x00, 0x00, 0x00, 0x01})

	line := &scriptedLine{segments: [][]byte{junk, valid}}
	server := newSerialServer(line, 0, devices)

	if err := server.Serve(); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF at end of script, got %v", err)
	}

	resp, err := DecodeRTUFrame(line.out.Bytes())
	if err != nil {
		t.Fatalf("Response did not decode: %v", err)
	}
	expected := []byte{byte(FuncReadCoils), 0x01, 0x01}
	if !bytes.Equal(resp.PDU, expected) {
		t.Errorf("Expected PDU %x, got %x", expected, resp.PDU)
	}
	if server.Metrics().RequestsDropped.Value() != 1 {
		t.Errorf("Expected 1 dropped request, got %d", server.Metrics().RequestsDropped.Value())
	}
}
