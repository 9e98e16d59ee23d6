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
	"net"
	"testing"
	"time"
)

func startTestServer(t *testing.T, devices *DeviceMap, opts ...ServerOption) (*Server, string) {
	t.Helper()
	server := NewServer(devices, opts...)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	return server, listener.Addr().String()
}

func startTestClient(t *testing.T, addr string, opts ...Option) *Channel {
	t.Helper()
	rt := NewRuntime(1)
	t.Cleanup(rt.Close)

	ch, err := NewTCPChannel(rt, addr, opts...)
	if err != nil {
		t.Fatalf("NewTCPChannel failed: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	ch.Enable()
	return ch
}

func testDevices() *DeviceMap {
	devices := NewDeviceMap()
	devices.Add(1, nil, func(db *Database) {
		for i := uint16(0); i < 10; i++ {
			db.AddCoil(i, false)
			db.AddDiscreteInput(i, i%2 == 0)
			db.AddHoldingRegister(i, i*100)
			db.AddInputRegister(i, i+1000)
		}
	})
	return devices
}

func TestServer_ReadOperations(t *testing.T) {
	_, addr := startTestServer(t, testDevices())
	ch := startTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	coils, err := ch.ReadCoils(ctx, Param(1), Range(0, 10))
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	for _, c := range coils {
		if c.Value {
			t.Errorf("coil %d should be false", c.Index)
		}
	}

	inputs, err := ch.ReadDiscreteInputs(ctx, Param(1), Range(0, 10))
	if err != nil {
		t.Fatalf("ReadDiscreteInputs failed: %v", err)
	}
	for _, v := range inputs {
		if v.Value != (v.Index%2 == 0) {
			t.Errorf("discrete input %d: expected %v, got %v", v.Index, v.Index%2 == 0, v.Value)
		}
	}

	holding, err := ch.ReadHoldingRegisters(ctx, Param(1), Range(0, 10))
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	for _, v := range holding {
		if v.Value != v.Index*100 {
			t.Errorf("holding register %d: expected %d, got %d", v.Index, v.Index*100, v.Value)
		}
	}

	input, err := ch.ReadInputRegisters(ctx, Param(1), Range(0, 10))
	if err != nil {
		t.Fatalf("ReadInputRegisters failed: %v", err)
	}
	for _, v := range input {
		if v.Value != v.Index+1000 {
			t.Errorf("input register %d: expected %d, got %d", v.Index, v.Index+1000, v.Value)
		}
	}
}

func TestServer_WriteOperations(t *testing.T) {
	server, addr := startTestServer(t, testDevices())
	ch := startTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ch.WriteSingleCoil(ctx, Param(1), 3, true); err != nil {
		t.Fatalf("WriteSingleCoil failed: %v", err)
	}
	if err := ch.WriteSingleRegister(ctx, Param(1), 4, 4242); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	if err := ch.WriteMultipleCoils(ctx, Param(1), 5, []bool{true, true, false}); err != nil {
		t.Fatalf("WriteMultipleCoils failed: %v", err)
	}
	if err := ch.WriteMultipleRegisters(ctx, Param(1), 0, []uint16{0xCA, 0xFE}); err != nil {
		t.Fatalf("WriteMultipleRegisters failed: %v", err)
	}

	device, _ := server.Device(1)
	device.Update(func(db *Database) {
		if v, _ := db.Coil(3); !v {
			t.Error("coil 3 should be true")
		}
		if v, _ := db.HoldingRegister(4); v != 4242 {
			t.Errorf("register 4: expected 4242, got %d", v)
		}
		if v, _ := db.Coil(5); !v {
			t.Error("coil 5 should be true")
		}
		if v, _ := db.Coil(7); v {
			t.Error("coil 7 should be false")
		}
		if v, _ := db.HoldingRegister(0); v != 0xCA {
			t.Errorf("register 0: expected 0xCA, got 0x%0X", v)
		}
		if v, _ := db.HoldingRegister(1); v != 0xFE {
			t.Errorf("register 1: expected 0xFE, got 0x%0X", v)
		}
	})
}

func TestServer_UnprovisionedAddress(t *testing.T) {
	_, addr := startTestServer(t, testDevices())
	ch := startTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Range extends past the provisioned points
	_, err := ch.ReadHoldingRegisters(ctx, Param(1), Range(5, 10))
	if !IsIllegalDataAddress(err) {
		t.Errorf("Expected IllegalDataAddress, got %v", err)
	}

	if err := ch.WriteSingleRegister(ctx, Param(1), 100, 1); !IsIllegalDataAddress(err) {
		t.Errorf("Expected IllegalDataAddress, got %v", err)
	}
}

func TestServer_UnknownUnitIsSilent(t *testing.T) {
	_, addr := startTestServer(t, testDevices())
	ch := startTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	param := RequestParam{UnitID: 99, Timeout: 200 * time.Millisecond}
	_, err := ch.ReadCoils(ctx, param, Range(0, 1))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout for unknown unit, got %v", err)
	}

	// The same connection keeps serving known units
	if _, err := ch.ReadCoils(ctx, Param(1), Range(0, 1)); err != nil {
		t.Errorf("Known unit failed after silent drop: %v", err)
	}
}

func TestServer_ReadOnlyAuthorization(t *testing.T) {
	server, addr := startTestServer(t, testDevices(),
		WithAuthorization(ReadOnly{}))
	ch := startTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Reads pass
	if _, err := ch.ReadHoldingRegisters(ctx, Param(1), Range(0, 1)); err != nil {
		t.Fatalf("Authorized read failed: %v", err)
	}

	// Writes are rejected with IllegalFunction before touching the device
	err := ch.WriteSingleRegister(ctx, Param(1), 0, 9999)
	if !IsIllegalFunction(err) {
		t.Fatalf("Expected IllegalFunction, got %v", err)
	}

	device, _ := server.Device(1)
	device.Update(func(db *Database) {
		if v, _ := db.HoldingRegister(0); v != 0 {
			t.Errorf("register 0 must be unchanged, got %d", v)
		}
	})

	if server.Metrics().AuthDenied.Value() == 0 {
		t.Error("Expected auth denials to be counted")
	}
}

func TestServer_InvalidQuantity(t *testing.T) {
	_, addr := startTestServer(t, testDevices())
	ch := startTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Bypass client-side validation to exercise the server's check
	pdu := []byte{byte(FuncReadHoldingRegisters), 0x00, 0x00, 0x00, 0xFF}
	resp, err := ch.execute(ctx, newPending(Param(1), FuncReadHoldingRegisters, pdu))
	if err == nil {
		t.Fatalf("Expected exception, got PDU %x", resp)
	}
	if !IsException(err, ExceptionIllegalDataValue) {
		t.Errorf("Expected IllegalDataValue, got %v", err)
	}
}

func TestServer_MultiWriteReportsFirstFailure(t *testing.T) {
	server, addr := startTestServer(t, testDevices())
	ch := startTestClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Registers 8,9 exist; 10 does not. The write applies in order and
	// fails at the hole.
	err := ch.WriteMultipleRegisters(ctx, Param(1), 8, []uint16{1, 2, 3})
	if !IsIllegalDataAddress(err) {
		t.Fatalf("Expected IllegalDataAddress, got %v", err)
	}

	device, _ := server.Device(1)
	device.Update(func(db *Database) {
		if v, _ := db.HoldingRegister(8); v != 1 {
			t.Errorf("register 8: expected 1, got %d", v)
		}
		if v, _ := db.HoldingRegister(9); v != 2 {
			t.Errorf("register 9: expected 2, got %d", v)
		}
	})
}

func TestServer_MaxConnections(t *testing.T) {
	_, addr := startTestServer(t, testDevices(), WithMaxConnections(1))

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("first dial failed: %v", err)
	}
	defer first.Close()

	// Exercise the first connection so we know the server accepted it
	frame := Frame{
		Header: MBAPHeader{TransactionID: 1, UnitID: 1},
		PDU:    []byte{0x01, 0x00, 0x00, 0x00, 0x01},
	}
	if _, err := first.Write(frame.Encode()); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := ReadFrame(first); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	// The second connection is rejected: reads on it fail promptly
	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ReadFrame(second); err == nil {
		t.Error("Expected the second connection to be closed")
	}
}

func TestServer_CloseStopsServing(t *testing.T) {
	server, addr := startTestServer(t, testDevices())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	server.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ReadFrame(conn); err == nil {
		t.Error("Expected the connection to be closed after server shutdown")
	}
}
