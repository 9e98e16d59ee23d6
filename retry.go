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

import "time"

// RetryStrategy controls how a channel delays reconnection attempts after a
// transport-level failure. It never governs re-sending of an application
// request.
type RetryStrategy interface {
	// Reset is called after a successful connection.
	Reset()
	// AfterFailedConnect returns the delay before the next connection attempt.
	AfterFailedConnect() time.Duration
	// AfterDisconnect returns the delay before reconnecting after an
	// established connection is lost.
	AfterDisconnect() time.Duration
}

// NewDoublingRetryStrategy returns a RetryStrategy whose delay doubles on
// each failed connect, from min up to max, and resets to min on success.
func NewDoublingRetryStrategy(min, max time.Duration) RetryStrategy {
	return &doublingRetry{min: min, max: max, current: min}
}

// DefaultRetryStrategy returns the doubling strategy with 1s..60s bounds.
func DefaultRetryStrategy() RetryStrategy {
	return NewDoublingRetryStrategy(time.Second, time.Minute)
}

type doublingRetry struct {
	min     time.Duration
	max     time.Duration
	current time.Duration
}

func (d *doublingRetry) Reset() {
	d.current = d.min
}

func (d *doublingRetry) AfterFailedConnect() time.Duration {
	ret := d.current
	d.current *= 2
	if d.current > d.max {
		d.current = d.max
	}
	return ret
}

func (d *doublingRetry) AfterDisconnect() time.Duration {
	return d.min
}
