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

// CRC computes the CRC-16/MODBUS checksum used by RTU framing.
// The zero value is not ready for use; call Reset first.
type CRC struct {
	value uint16
}

var crcTable [256]uint16

func init() {
	// polynomial 0xA001 (reversed 0x8005)
	for i := range crcTable {
		crc := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		crcTable[i] = crc
	}
}

// Reset initializes the checksum state.
func (c *CRC) Reset() *CRC {
	c.value = 0xFFFF
	return c
}

// PushBytes folds data into the checksum.
func (c *CRC) PushBytes(data []byte) *CRC {
	for _, b := range data {
		c.value = (c.value >> 8) ^ crcTable[byte(c.value)^b]
	}
	return c
}

// Value returns the current checksum.
func (c *CRC) Value() uint16 {
	return c.value
}

// Checksum returns the CRC-16/MODBUS of data.
func Checksum(data []byte) uint16 {
	var c CRC
	return c.Reset().PushBytes(data).Value()
}
