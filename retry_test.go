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
	"testing"
	"time"
)

func TestDoublingRetry_DoublesToMax(t *testing.T) {
	retry := NewDoublingRetryStrategy(time.Second, 10*time.Second)

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, want := range expected {
		if got := retry.AfterFailedConnect(); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i, want, got)
		}
	}
}

func TestDoublingRetry_ResetsOnSuccess(t *testing.T) {
	retry := NewDoublingRetryStrategy(time.Second, time.Minute)

	retry.AfterFailedConnect()
	retry.AfterFailedConnect()
	retry.Reset()

	if got := retry.AfterFailedConnect(); got != time.Second {
		t.Errorf("after reset: expected %v, got %v", time.Second, got)
	}
}

func TestDoublingRetry_AfterDisconnect(t *testing.T) {
	retry := NewDoublingRetryStrategy(time.Second, time.Minute)

	// Disconnect delay stays at the minimum regardless of connect failures
	retry.AfterFailedConnect()
	retry.AfterFailedConnect()

	if got := retry.AfterDisconnect(); got != time.Second {
		t.Errorf("expected %v, got %v", time.Second, got)
	}
}
