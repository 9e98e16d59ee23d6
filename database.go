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

import "sync"

// Database holds the point values of a single device. The four point types
// are independent sparse mappings: an index must be explicitly added before
// it can be addressed, and absent indices are never implicitly created.
// A read or write touching an unprovisioned index yields IllegalDataAddress.
//
// A Database is owned by the Device that created it; all access from request
// processing and from Device.Update runs under the device's exclusive lock.
type Database struct {
	coils            map[uint16]bool
	discreteInputs   map[uint16]bool
	holdingRegisters map[uint16]uint16
	inputRegisters   map[uint16]uint16
}

// NewDatabase creates an empty database.
func NewDatabase() *Database {
	return &Database{
		coils:            make(map[uint16]bool),
		discreteInputs:   make(map[uint16]bool),
		holdingRegisters: make(map[uint16]uint16),
		inputRegisters:   make(map[uint16]uint16),
	}
}

// AddCoil provisions a coil. It returns false if the index already exists.
func (db *Database) AddCoil(index uint16, value bool) bool {
	if _, ok := db.coils[index]; ok {
		return false
	}
	db.coils[index] = value
	return true
}

// AddDiscreteInput provisions a discrete input. It returns false if the
// index already exists.
func (db *Database) AddDiscreteInput(index uint16, value bool) bool {
	if _, ok := db.discreteInputs[index]; ok {
		return false
	}
	db.discreteInputs[index] = value
	return true
}

// AddHoldingRegister provisions a holding register. It returns false if the
// index already exists.
func (db *Database) AddHoldingRegister(index uint16, value uint16) bool {
	if _, ok := db.holdingRegisters[index]; ok {
		return false
	}
	db.holdingRegisters[index] = value
	return true
}

// AddInputRegister provisions an input register. It returns false if the
// index already exists.
func (db *Database) AddInputRegister(index uint16, value uint16) bool {
	if _, ok := db.inputRegisters[index]; ok {
		return false
	}
	db.inputRegisters[index] = value
	return true
}

// UpdateCoil sets an existing coil. It returns false if the index was never
// provisioned.
func (db *Database) UpdateCoil(index uint16, value bool) bool {
	if _, ok := db.coils[index]; !ok {
		return false
	}
	db.coils[index] = value
	return true
}

// UpdateDiscreteInput sets an existing discrete input.
func (db *Database) UpdateDiscreteInput(index uint16, value bool) bool {
	if _, ok := db.discreteInputs[index]; !ok {
		return false
	}
	db.discreteInputs[index] = value
	return true
}

// UpdateHoldingRegister sets an existing holding register.
func (db *Database) UpdateHoldingRegister(index uint16, value uint16) bool {
	if _, ok := db.holdingRegisters[index]; !ok {
		return false
	}
	db.holdingRegisters[index] = value
	return true
}

// UpdateInputRegister sets an existing input register.
func (db *Database) UpdateInputRegister(index uint16, value uint16) bool {
	if _, ok := db.inputRegisters[index]; !ok {
		return false
	}
	db.inputRegisters[index] = value
	return true
}

// DeleteCoil removes a coil. It returns false if the index was never
// provisioned.
func (db *Database) DeleteCoil(index uint16) bool {
	if _, ok := db.coils[index]; !ok {
		return false
	}
	delete(db.coils, index)
	return true
}

// DeleteDiscreteInput removes a discrete input.
func (db *Database) DeleteDiscreteInput(index uint16) bool {
	if _, ok := db.discreteInputs[index]; !ok {
		return false
	}
	delete(db.discreteInputs, index)
	return true
}

// DeleteHoldingRegister removes a holding register.
func (db *Database) DeleteHoldingRegister(index uint16) bool {
	if _, ok := db.holdingRegisters[index]; !ok {
		return false
	}
	delete(db.holdingRegisters, index)
	return true
}

// DeleteInputRegister removes an input register.
func (db *Database) DeleteInputRegister(index uint16) bool {
	if _, ok := db.inputRegisters[index]; !ok {
		return false
	}
	delete(db.inputRegisters, index)
	return true
}

// Coil returns a coil value and whether the index is provisioned.
func (db *Database) Coil(index uint16) (bool, bool) {
	v, ok := db.coils[index]
	return v, ok
}

// DiscreteInput returns a discrete input value and whether the index is
// provisioned.
func (db *Database) DiscreteInput(index uint16) (bool, bool) {
	v, ok := db.discreteInputs[index]
	return v, ok
}

// HoldingRegister returns a holding register value and whether the index is
// provisioned.
func (db *Database) HoldingRegister(index uint16) (uint16, bool) {
	v, ok := db.holdingRegisters[index]
	return v, ok
}

// InputRegister returns an input register value and whether the index is
// provisioned.
func (db *Database) InputRegister(index uint16) (uint16, bool) {
	v, ok := db.inputRegisters[index]
	return v, ok
}

func readBitRange(m map[uint16]bool, fc FunctionCode, r AddressRange) ([]BitValue, error) {
	values := make([]BitValue, r.Count)
	for i := uint16(0); i < r.Count; i++ {
		v, ok := m[r.Start+i]
		if !ok {
			return nil, NewModbusError(fc, ExceptionIllegalDataAddress)
		}
		values[i] = BitValue{Index: r.Start + i, Value: v}
	}
	return values, nil
}

func readRegisterRange(m map[uint16]uint16, fc FunctionCode, r AddressRange) ([]RegisterValue, error) {
	values := make([]RegisterValue, r.Count)
	for i := uint16(0); i < r.Count; i++ {
		v, ok := m[r.Start+i]
		if !ok {
			return nil, NewModbusError(fc, ExceptionIllegalDataAddress)
		}
		values[i] = RegisterValue{Index: r.Start + i, Value: v}
	}
	return values, nil
}

// ReadCoils returns the coil values in the range, or IllegalDataAddress if
// any index is unprovisioned.
func (db *Database) ReadCoils(r AddressRange) ([]BitValue, error) {
	return readBitRange(db.coils, FuncReadCoils, r)
}

// ReadDiscreteInputs returns the discrete input values in the range.
func (db *Database) ReadDiscreteInputs(r AddressRange) ([]BitValue, error) {
	return readBitRange(db.discreteInputs, FuncReadDiscreteInputs, r)
}

// ReadHoldingRegisters returns the holding register values in the range.
func (db *Database) ReadHoldingRegisters(r AddressRange) ([]RegisterValue, error) {
	return readRegisterRange(db.holdingRegisters, FuncReadHoldingRegisters, r)
}

// ReadInputRegisters returns the input register values in the range.
func (db *Database) ReadInputRegisters(r AddressRange) ([]RegisterValue, error) {
	return readRegisterRange(db.inputRegisters, FuncReadInputRegisters, r)
}

// Device binds a database to its write handler under one exclusive lock.
// Request processing and out-of-band updates serialize on that lock, so an
// update is never interleaved with a response encode.
type Device struct {
	mu      sync.Mutex
	db      *Database
	handler RequestHandler
}

// Update runs fn with exclusive access to the device database. It is the
// out-of-band mutation path for values that do not originate from the wire.
func (d *Device) Update(fn func(*Database)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.db)
}

// DeviceMap maps unit IDs to their devices. Build it with NewDeviceMap and
// Add, then hand it to a server: the map itself is read-only after a server
// starts, only the databases inside it mutate.
type DeviceMap struct {
	devices map[UnitID]*Device
	sealed  bool
}

// NewDeviceMap creates an empty device map.
func NewDeviceMap() *DeviceMap {
	return &DeviceMap{devices: make(map[UnitID]*Device)}
}

// Add registers a device under the given unit ID. The configure closure
// provisions the initial database contents. Add panics if called after the
// map has been consumed by a server, or if the unit ID is already present.
func (m *DeviceMap) Add(unitID UnitID, handler RequestHandler, configure func(*Database)) *DeviceMap {
	if m.sealed {
		panic("modbus: DeviceMap modified after server start")
	}
	if _, ok := m.devices[unitID]; ok {
		panic("modbus: duplicate unit ID in DeviceMap")
	}
	if handler == nil {
		handler = WriteThroughHandler{}
	}
	db := NewDatabase()
	if configure != nil {
		configure(db)
	}
	m.devices[unitID] = &Device{db: db, handler: handler}
	return m
}

// Device returns the device registered under the given unit ID.
func (m *DeviceMap) Device(unitID UnitID) (*Device, bool) {
	d, ok := m.devices[unitID]
	return d, ok
}

// seal marks the map as consumed. Called once when a server starts.
func (m *DeviceMap) seal() {
	m.sealed = true
}

// WriteThroughHandler is the default RequestHandler. It accepts any write to
// a provisioned index and rejects unprovisioned indices with
// IllegalDataAddress. Multi-point writes are applied in order and stop at
// the first failing index.
type WriteThroughHandler struct{}

// WriteSingleCoil implements RequestHandler.
func (WriteThroughHandler) WriteSingleCoil(db *Database, index uint16, value bool) error {
	if !db.UpdateCoil(index, value) {
		return NewModbusError(FuncWriteSingleCoil, ExceptionIllegalDataAddress)
	}
	return nil
}

// WriteSingleRegister implements RequestHandler.
func (WriteThroughHandler) WriteSingleRegister(db *Database, index uint16, value uint16) error {
	if !db.UpdateHoldingRegister(index, value) {
		return NewModbusError(FuncWriteSingleRegister, ExceptionIllegalDataAddress)
	}
	return nil
}

// WriteMultipleCoils implements RequestHandler.
func (WriteThroughHandler) WriteMultipleCoils(db *Database, start uint16, values []bool) error {
	for i, v := range values {
		if !db.UpdateCoil(start+uint16(i), v) {
			return NewModbusError(FuncWriteMultipleCoils, ExceptionIllegalDataAddress)
		}
	}
	return nil
}

// WriteMultipleRegisters implements RequestHandler.
func (WriteThroughHandler) WriteMultipleRegisters(db *Database, start uint16, values []uint16) error {
	for i, v := range values {
		if !db.UpdateHoldingRegister(start+uint16(i), v) {
			return NewModbusError(FuncWriteMultipleRegisters, ExceptionIllegalDataAddress)
		}
	}
	return nil
}

// RejectWritesHandler refuses every write with IllegalFunction. Useful for
// read-only devices.
type RejectWritesHandler struct{}

// WriteSingleCoil implements RequestHandler.
func (RejectWritesHandler) WriteSingleCoil(*Database, uint16, bool) error {
	return NewModbusError(FuncWriteSingleCoil, ExceptionIllegalFunction)
}

// WriteSingleRegister implements RequestHandler.
func (RejectWritesHandler) WriteSingleRegister(*Database, uint16, uint16) error {
	return NewModbusError(FuncWriteSingleRegister, ExceptionIllegalFunction)
}

// WriteMultipleCoils implements RequestHandler.
func (RejectWritesHandler) WriteMultipleCoils(*Database, uint16, []bool) error {
	return NewModbusError(FuncWriteMultipleCoils, ExceptionIllegalFunction)
}

// WriteMultipleRegisters implements RequestHandler.
func (RejectWritesHandler) WriteMultipleRegisters(*Database, uint16, []uint16) error {
	return NewModbusError(FuncWriteMultipleRegisters, ExceptionIllegalFunction)
}
