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

// Package modbus provides a Modbus client and server stack over TCP,
// serial RTU and TLS transports.
package modbus

import (
	"fmt"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Supported Modbus function codes.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(fc))
	}
}

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read or written.
	MaxQuantityCoils = 2000

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteCoils is the maximum number of coils that can be written
	// in a single request.
	MaxQuantityWriteCoils = 1968

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MaxPDUSize is the maximum size of a protocol data unit in bytes.
	MaxPDUSize = 253

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultTimeout is the default per-request timeout.
	DefaultTimeout = 5 * time.Second

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultTLSPort is the default Modbus security (TLS) port.
	DefaultTLSPort = 802
)

// Coil values on the wire for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// AddressRange describes a contiguous span of point addresses.
type AddressRange struct {
	Start uint16
	Count uint16
}

// Range returns an AddressRange with the given start and count.
func Range(start, count uint16) AddressRange {
	return AddressRange{Start: start, Count: count}
}

// Validate checks the range against the per-function quantity limit and the
// 16-bit address space. Requests with invalid ranges are rejected before
// transmission.
func (r AddressRange) Validate(maxCount uint16) error {
	if r.Count < 1 || r.Count > maxCount {
		return fmt.Errorf("%w: quantity must be 1-%d, got %d", ErrInvalidQuantity, maxCount, r.Count)
	}
	if uint32(r.Start)+uint32(r.Count) > 65536 {
		return fmt.Errorf("%w: range %d+%d exceeds address space", ErrInvalidAddress, r.Start, r.Count)
	}
	return nil
}

// BitValue is a single-bit point paired with its address.
type BitValue struct {
	Index uint16
	Value bool
}

// RegisterValue is a 16-bit point paired with its address.
type RegisterValue struct {
	Index uint16
	Value uint16
}

// RequestParam carries per-call parameters. It is not retained across calls.
type RequestParam struct {
	UnitID  UnitID
	Timeout time.Duration
}

// Param returns a RequestParam for the given unit with the default timeout.
func Param(unitID UnitID) RequestParam {
	return RequestParam{UnitID: unitID, Timeout: DefaultTimeout}
}

// ChannelState represents the state of a client channel.
type ChannelState int

const (
	// StateDisabled means the channel accepts no work.
	StateDisabled ChannelState = iota
	// StateConnecting means a connection attempt is in progress.
	StateConnecting
	// StateConnected means the channel is ready to execute requests.
	StateConnected
	// StateWaitRetry means the channel is waiting out a retry delay
	// before the next connection attempt.
	StateWaitRetry
)

// String returns the string representation of the channel state.
func (s ChannelState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateWaitRetry:
		return "wait-retry"
	default:
		return "unknown"
	}
}

// StateListener is invoked synchronously from the channel task on every
// state transition. It must not block.
type StateListener func(ChannelState)

// DecodeLevel controls how verbosely received frames are logged.
type DecodeLevel int

const (
	// DecodeNothing disables frame logging.
	DecodeNothing DecodeLevel = iota
	// DecodeHeader logs frame headers.
	DecodeHeader
	// DecodePayload logs full frame payloads.
	DecodePayload
)

// RequestHandler decides the outcome of write requests applied to a device
// database. Implementations receive the database with exclusive access held
// and apply accepted writes themselves.
//
// Multi-point writes are applied in order. If a handler fails partway
// through, earlier points remain written and the wire response carries the
// first failure, per the Modbus specification.
type RequestHandler interface {
	WriteSingleCoil(db *Database, index uint16, value bool) error
	WriteSingleRegister(db *Database, index uint16, value uint16) error
	WriteMultipleCoils(db *Database, start uint16, values []bool) error
	WriteMultipleRegisters(db *Database, start uint16, values []uint16) error
}
