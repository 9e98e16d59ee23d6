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
	"errors"
	"log/slog"
)

// dispatcher routes request PDUs to the devices of a DeviceMap. It is
// shared by the TCP, TLS and RTU servers; only the framing differs.
type dispatcher struct {
	devices *DeviceMap
	auth    AuthorizationHandler
	logger  *slog.Logger
	metrics *ServerMetrics
}

// process handles one request PDU addressed to unitID. It returns the
// response PDU and true, or nil and false when no response must be sent
// (the unit is not served; broadcast semantics leave such requests
// unanswered).
func (d *dispatcher) process(unitID UnitID, pdu []byte, role string) ([]byte, bool) {
	dev, ok := d.devices.Device(unitID)
	if !ok {
		d.metrics.RequestsDropped.Add(1)
		d.logger.Debug("dropping request for unknown unit",
			slog.Uint64("unit_id", uint64(unitID)))
		return nil, false
	}

	d.metrics.RequestsTotal.Add(1)

	if len(pdu) < 1 {
		d.metrics.RequestsErrors.Add(1)
		return BuildExceptionPDU(0, ExceptionIllegalFunction), true
	}

	fc := FunctionCode(pdu[0])

	d.logger.Debug("processing request",
		slog.Uint64("unit_id", uint64(unitID)),
		slog.String("func", fc.String()))

	var resp []byte
	var err error

	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		resp, err = d.handleReadBits(dev, unitID, fc, pdu, role)
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		resp, err = d.handleReadRegisters(dev, unitID, fc, pdu, role)
	case FuncWriteSingleCoil:
		resp, err = d.handleWriteSingleCoil(dev, unitID, pdu, role)
	case FuncWriteSingleRegister:
		resp, err = d.handleWriteSingleRegister(dev, unitID, pdu, role)
	case FuncWriteMultipleCoils:
		resp, err = d.handleWriteMultipleCoils(dev, unitID, pdu, role)
	case FuncWriteMultipleRegisters:
		resp, err = d.handleWriteMultipleRegisters(dev, unitID, pdu, role)
	default:
		err = NewModbusError(fc, ExceptionIllegalFunction)
	}

	if err != nil {
		d.metrics.RequestsErrors.Add(1)
		return d.exceptionFor(fc, err), true
	}

	d.metrics.RequestsSuccess.Add(1)
	return resp, true
}

func (d *dispatcher) exceptionFor(fc FunctionCode, err error) []byte {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return BuildExceptionPDU(fc, modbusErr.ExceptionCode)
	}
	d.logger.Error("handler error",
		slog.String("func", fc.String()),
		slog.String("error", err.Error()))
	return BuildExceptionPDU(fc, ExceptionServerDeviceFailure)
}

// errAuthDenied is the uniform result of a failed authorization check.
// The request is rejected before any device state is read or written.
func errAuthDenied(fc FunctionCode) error {
	return NewModbusError(fc, ExceptionIllegalFunction)
}

func parseRange(fc FunctionCode, pdu []byte, maxCount uint16) (AddressRange, error) {
	if len(pdu) < 5 {
		return AddressRange{}, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	r := AddressRange{
		Start: binary.BigEndian.Uint16(pdu[1:3]),
		Count: binary.BigEndian.Uint16(pdu[3:5]),
	}
	if err := r.Validate(maxCount); err != nil {
		return AddressRange{}, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	return r, nil
}

func (d *dispatcher) handleReadBits(dev *Device, unitID UnitID, fc FunctionCode, pdu []byte, role string) ([]byte, error) {
	r, err := parseRange(fc, pdu, MaxQuantityCoils)
	if err != nil {
		return nil, err
	}

	if fc == FuncReadCoils {
		if d.auth.ReadCoils(unitID, r, role) != Authorized {
			d.metrics.AuthDenied.Add(1)
			return nil, errAuthDenied(fc)
		}
	} else {
		if d.auth.ReadDiscreteInputs(unitID, r, role) != Authorized {
			d.metrics.AuthDenied.Add(1)
			return nil, errAuthDenied(fc)
		}
	}

	dev.mu.Lock()
	var values []BitValue
	if fc == FuncReadCoils {
		values, err = dev.db.ReadCoils(r)
	} else {
		values, err = dev.db.ReadDiscreteInputs(r)
	}
	dev.mu.Unlock()
	if err != nil {
		return nil, err
	}

	byteCount := (r.Count + 7) / 8
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(fc)
	resp[1] = byte(byteCount)
	for i, v := range values {
		if v.Value {
			resp[2+i/8] |= 1 << (i % 8)
		}
	}
	return resp, nil
}

func (d *dispatcher) handleReadRegisters(dev *Device, unitID UnitID, fc FunctionCode, pdu []byte, role string) ([]byte, error) {
	r, err := parseRange(fc, pdu, MaxQuantityRegisters)
	if err != nil {
		return nil, err
	}

	if fc == FuncReadHoldingRegisters {
		if d.auth.ReadHoldingRegisters(unitID, r, role) != Authorized {
			d.metrics.AuthDenied.Add(1)
			return nil, errAuthDenied(fc)
		}
	} else {
		if d.auth.ReadInputRegisters(unitID, r, role) != Authorized {
			d.metrics.AuthDenied.Add(1)
			return nil, errAuthDenied(fc)
		}
	}

	dev.mu.Lock()
	var values []RegisterValue
	if fc == FuncReadHoldingRegisters {
		values, err = dev.db.ReadHoldingRegisters(r)
	} else {
		values, err = dev.db.ReadInputRegisters(r)
	}
	dev.mu.Unlock()
	if err != nil {
		return nil, err
	}

	byteCount := r.Count * 2
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(fc)
	resp[1] = byte(byteCount)
	for i, v := range values {
		binary.BigEndian.PutUint16(resp[2+i*2:], v.Value)
	}
	return resp, nil
}

func (d *dispatcher) handleWriteSingleCoil(dev *Device, unitID UnitID, pdu []byte, role string) ([]byte, error) {
	const fc = FuncWriteSingleCoil
	if len(pdu) < 5 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	raw := binary.BigEndian.Uint16(pdu[3:5])

	// Only the two canonical encodings are valid coil values.
	if raw != CoilOn && raw != CoilOff {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}

	if d.auth.WriteSingleCoil(unitID, addr, role) != Authorized {
		d.metrics.AuthDenied.Add(1)
		return nil, errAuthDenied(fc)
	}

	dev.mu.Lock()
	err := dev.handler.WriteSingleCoil(dev.db, addr, raw == CoilOn)
	dev.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// The response echoes the request.
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (d *dispatcher) handleWriteSingleRegister(dev *Device, unitID UnitID, pdu []byte, role string) ([]byte, error) {
	const fc = FuncWriteSingleRegister
	if len(pdu) < 5 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	if d.auth.WriteSingleRegister(unitID, addr, role) != Authorized {
		d.metrics.AuthDenied.Add(1)
		return nil, errAuthDenied(fc)
	}

	dev.mu.Lock()
	err := dev.handler.WriteSingleRegister(dev.db, addr, value)
	dev.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (d *dispatcher) handleWriteMultipleCoils(dev *Device, unitID UnitID, pdu []byte, role string) ([]byte, error) {
	const fc = FuncWriteMultipleCoils
	r, err := parseRange(fc, pdu, MaxQuantityWriteCoils)
	if err != nil {
		return nil, err
	}
	byteCount := int(r.Count+7) / 8
	if len(pdu) < 6 || int(pdu[5]) != byteCount || len(pdu) < 6+byteCount {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}

	if d.auth.WriteMultipleCoils(unitID, r, role) != Authorized {
		d.metrics.AuthDenied.Add(1)
		return nil, errAuthDenied(fc)
	}

	values := make([]bool, r.Count)
	for i := range values {
		values[i] = pdu[6+i/8]&(1<<(i%8)) != 0
	}

	dev.mu.Lock()
	err = dev.handler.WriteMultipleCoils(dev.db, r.Start, values)
	dev.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp := make([]byte, 5)
	resp[0] = byte(fc)
	binary.BigEndian.PutUint16(resp[1:3], r.Start)
	binary.BigEndian.PutUint16(resp[3:5], r.Count)
	return resp, nil
}

func (d *dispatcher) handleWriteMultipleRegisters(dev *Device, unitID UnitID, pdu []byte, role string) ([]byte, error) {
	const fc = FuncWriteMultipleRegisters
	r, err := parseRange(fc, pdu, MaxQuantityWriteRegisters)
	if err != nil {
		return nil, err
	}
	byteCount := int(r.Count) * 2
	if len(pdu) < 6 || int(pdu[5]) != byteCount || len(pdu) < 6+byteCount {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}

	if d.auth.WriteMultipleRegisters(unitID, r, role) != Authorized {
		d.metrics.AuthDenied.Add(1)
		return nil, errAuthDenied(fc)
	}

	values := make([]uint16, r.Count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu[6+i*2:])
	}

	dev.mu.Lock()
	err = dev.handler.WriteMultipleRegisters(dev.db, r.Start, values)
	dev.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp := make([]byte, 5)
	resp[0] = byte(fc)
	binary.BigEndian.PutUint16(resp[1:3], r.Start)
	binary.BigEndian.PutUint16(resp[3:5], r.Count)
	return resp, nil
}
