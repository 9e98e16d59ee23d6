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

// Authorization is the outcome of an authorization check.
type Authorization int

const (
	// Authorized allows the request to proceed.
	Authorized Authorization = iota
	// NotAuthorized rejects the request with an IllegalFunction exception
	// before the device database is touched.
	NotAuthorized
)

// String returns the string representation of the authorization result.
func (a Authorization) String() string {
	if a == Authorized {
		return "authorized"
	}
	return "not authorized"
}

// AuthorizationHandler is consulted for every decoded request before it is
// applied. The role is the identity bound to the connection: for TLS it is
// extracted from the peer certificate once at handshake completion and does
// not change mid-connection; for plain transports it is empty.
//
// A server with no AuthorizationHandler configured allows everything.
type AuthorizationHandler interface {
	ReadCoils(unitID UnitID, r AddressRange, role string) Authorization
	ReadDiscreteInputs(unitID UnitID, r AddressRange, role string) Authorization
	ReadHoldingRegisters(unitID UnitID, r AddressRange, role string) Authorization
	ReadInputRegisters(unitID UnitID, r AddressRange, role string) Authorization
	WriteSingleCoil(unitID UnitID, index uint16, role string) Authorization
	WriteSingleRegister(unitID UnitID, index uint16, role string) Authorization
	WriteMultipleCoils(unitID UnitID, r AddressRange, role string) Authorization
	WriteMultipleRegisters(unitID UnitID, r AddressRange, role string) Authorization
}

// AllowAll authorizes every request.
type AllowAll struct{}

func (AllowAll) ReadCoils(UnitID, AddressRange, string) Authorization          { return Authorized }
func (AllowAll) ReadDiscreteInputs(UnitID, AddressRange, string) Authorization { return Authorized }
func (AllowAll) ReadHoldingRegisters(UnitID, AddressRange, string) Authorization {
	return Authorized
}
func (AllowAll) ReadInputRegisters(UnitID, AddressRange, string) Authorization { return Authorized }
func (AllowAll) WriteSingleCoil(UnitID, uint16, string) Authorization          { return Authorized }
func (AllowAll) WriteSingleRegister(UnitID, uint16, string) Authorization      { return Authorized }
func (AllowAll) WriteMultipleCoils(UnitID, AddressRange, string) Authorization { return Authorized }
func (AllowAll) WriteMultipleRegisters(UnitID, AddressRange, string) Authorization {
	return Authorized
}

// ReadOnly authorizes reads and denies writes.
type ReadOnly struct{}

func (ReadOnly) ReadCoils(UnitID, AddressRange, string) Authorization          { return Authorized }
func (ReadOnly) ReadDiscreteInputs(UnitID, AddressRange, string) Authorization { return Authorized }
func (ReadOnly) ReadHoldingRegisters(UnitID, AddressRange, string) Authorization {
	return Authorized
}
func (ReadOnly) ReadInputRegisters(UnitID, AddressRange, string) Authorization { return Authorized }
func (ReadOnly) WriteSingleCoil(UnitID, uint16, string) Authorization          { return NotAuthorized }
func (ReadOnly) WriteSingleRegister(UnitID, uint16, string) Authorization      { return NotAuthorized }
func (ReadOnly) WriteMultipleCoils(UnitID, AddressRange, string) Authorization {
	return NotAuthorized
}
func (ReadOnly) WriteMultipleRegisters(UnitID, AddressRange, string) Authorization {
	return NotAuthorized
}
