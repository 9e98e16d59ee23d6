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
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

// RTU framing constants.
const (
	// RTUMinFrameSize is the minimum RTU frame size (unit + function + CRC).
	RTUMinFrameSize = 4

	// RTUMaxFrameSize is the maximum RTU frame size.
	RTUMaxFrameSize = 256
)

// RTUFrame represents an RTU application data unit: unit ID, PDU and a
// trailing CRC16 transmitted low byte first.
type RTUFrame struct {
	UnitID UnitID
	PDU    []byte
}

// Encode encodes the frame with its CRC appended.
func (f *RTUFrame) Encode() ([]byte, error) {
	length := len(f.PDU) + 3
	if length > RTUMaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds %d", ErrInvalidFrame, length, RTUMaxFrameSize)
	}
	if len(f.PDU) < 1 {
		return nil, fmt.Errorf("%w: empty PDU", ErrInvalidFrame)
	}
	raw := make([]byte, length)
	raw[0] = byte(f.UnitID)
	copy(raw[1:], f.PDU)

	crc := Checksum(raw[:length-2])
	raw[length-2] = byte(crc)
	raw[length-1] = byte(crc >> 8)
	return raw, nil
}

// DecodeRTUFrame validates the CRC of a raw frame and splits it into unit ID
// and PDU. A CRC mismatch yields ErrInvalidCRC; the frame must be discarded
// without a reply.
func DecodeRTUFrame(raw []byte) (*RTUFrame, error) {
	if len(raw) < RTUMinFrameSize {
		return nil, fmt.Errorf("%w: frame length %d below minimum %d", ErrInvalidFrame, len(raw), RTUMinFrameSize)
	}
	received := uint16(raw[len(raw)-1])<<8 | uint16(raw[len(raw)-2])
	if computed := Checksum(raw[:len(raw)-2]); received != computed {
		return nil, fmt.Errorf("%w: got %04X, want %04X", ErrInvalidCRC, received, computed)
	}
	pdu := make([]byte, len(raw)-3)
	copy(pdu, raw[1:len(raw)-2])
	return &RTUFrame{UnitID: UnitID(raw[0]), PDU: pdu}, nil
}

// InterFrameDelay returns the minimum silent interval between RTU frames for
// the given baud rate: 3.5 character times, with a fixed 1750us floor above
// 19200 baud.
func InterFrameDelay(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > 19200 {
		return 1750 * time.Microsecond
	}
	// 11 bits per character on the wire, times 3.5
	return time.Duration(38500000/baudRate) * time.Microsecond
}

// rtuRequestLength returns the total frame length of an RTU request given the
// first bytes already read. Needs at least 7 bytes for the multi-write
// functions whose length depends on the byte-count field.
func rtuRequestLength(header []byte) (int, error) {
	if len(header) < 2 {
		return 0, fmt.Errorf("%w: short header", ErrInvalidFrame)
	}
	switch FunctionCode(header[1]) {
	case FuncReadCoils, FuncReadDiscreteInputs,
		FuncReadHoldingRegisters, FuncReadInputRegisters,
		FuncWriteSingleCoil, FuncWriteSingleRegister:
		// [unit, func, addr(2), value(2), crc(2)]
		return 8, nil
	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		// [unit, func, addr(2), qty(2), byte count, data(N), crc(2)]
		if len(header) < 7 {
			return 0, fmt.Errorf("%w: need byte count for FC %02X", ErrInvalidFrame, header[1])
		}
		return 7 + int(header[6]) + 2, nil
	default:
		return 0, fmt.Errorf("%w: unsupported function code 0x%02X", ErrInvalidFrame, header[1])
	}
}

// rtuResponseLength returns the expected total frame length of the normal
// response to the given request PDU, including unit ID and CRC.
func rtuResponseLength(fc FunctionCode, requestPDU []byte) int {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		count := int(binary.BigEndian.Uint16(requestPDU[3:5]))
		return RTUMinFrameSize + 1 + (count+7)/8
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		count := int(binary.BigEndian.Uint16(requestPDU[3:5]))
		return RTUMinFrameSize + 1 + count*2
	default:
		// all writes echo addr + value/quantity
		return RTUMinFrameSize + 4
	}
}

// ReadRTUResponse reads a response frame addressed from the given unit for
// the given function code. Bytes that precede a plausible frame start are
// skipped so the stream can resynchronize after noise; a non-zero deadline
// bounds the hunt, since a noisy line can deliver junk bytes indefinitely
// without the underlying read ever timing out. The raw frame is returned
// with its CRC still attached.
func ReadRTUResponse(r io.Reader, unitID UnitID, fc FunctionCode, requestPDU []byte, deadline time.Time) ([]byte, error) {
	buf := make([]byte, 1)
	frame := make([]byte, 0, RTUMaxFrameSize)

	// hunt for unit ID + function (or exception function)
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, os.ErrDeadlineExceeded
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if len(frame) == 0 {
			if UnitID(buf[0]) == unitID {
				frame = append(frame, buf[0])
			}
			continue
		}
		if FunctionCode(buf[0]) == fc || buf[0] == byte(fc)|0x80 {
			frame = append(frame, buf[0])
			break
		}
		// not our frame after all; restart the hunt
		frame = frame[:0]
		if UnitID(buf[0]) == unitID {
			frame = append(frame, buf[0])
		}
	}

	total := rtuResponseLength(fc, requestPDU)
	if frame[1]&0x80 != 0 {
		// exception: [unit, func|0x80, code, crc(2)]
		total = 5
	}

	if !deadline.IsZero() && time.Now().After(deadline) {
		return nil, os.ErrDeadlineExceeded
	}
	rest := make([]byte, total-len(frame))
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	return append(frame, rest...), nil
}

// ReadRTURequest reads one request frame from the stream, using the function
// code to determine the frame length. The raw frame is returned with its CRC
// still attached; the caller validates it via DecodeRTUFrame.
func ReadRTURequest(r io.Reader) ([]byte, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header[:2]); err != nil {
		return nil, err
	}

	total, err := rtuRequestLength(header[:2])
	if err == nil {
		frame := make([]byte, total)
		copy(frame, header[:2])
		if _, err := io.ReadFull(r, frame[2:]); err != nil {
			return nil, err
		}
		return frame, nil
	}

	// length depends on the byte-count field
	if FunctionCode(header[1]) == FuncWriteMultipleCoils || FunctionCode(header[1]) == FuncWriteMultipleRegisters {
		if _, err := io.ReadFull(r, header[2:7]); err != nil {
			return nil, err
		}
		total, err = rtuRequestLength(header)
		if err != nil {
			return nil, err
		}
		if total > RTUMaxFrameSize {
			return nil, fmt.Errorf("%w: request length %d exceeds %d", ErrInvalidFrame, total, RTUMaxFrameSize)
		}
		frame := make([]byte, total)
		copy(frame, header)
		if _, err := io.ReadFull(r, frame[7:]); err != nil {
			return nil, err
		}
		return frame, nil
	}

	// The frame length is unknowable without the function code, so the
	// rest of the frame is drained until the line goes quiet. Returning
	// early would leave its tail to be misread as the next request.
	drain := make([]byte, 64)
	for {
		if _, derr := r.Read(drain); derr != nil {
			break
		}
	}
	return nil, err
}
