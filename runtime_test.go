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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRuntime_RunsTasks(t *testing.T) {
	rt := NewRuntime(4)
	defer rt.Close()

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		if err := rt.Spawn(func() {
			defer wg.Done()
			atomic.AddInt64(&counter, 1)
		}); err != nil {
			t.Fatalf("Spawn failed: %v", err)
		}
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != 16 {
		t.Errorf("Expected 16 tasks run, got %d", got)
	}
}

func TestRuntime_SpawnAfterClose(t *testing.T) {
	rt := NewRuntime(1)
	rt.Close()

	err := rt.Spawn(func() {})
	if !errors.Is(err, ErrRuntimeClosed) {
		t.Errorf("Expected ErrRuntimeClosed, got %v", err)
	}
}

func TestRuntime_RecoversPanics(t *testing.T) {
	rt := NewRuntime(1)
	defer rt.Close()

	done := make(chan struct{})
	if err := rt.Spawn(func() {
		defer close(done)
		panic("boom")
	}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}

	// The worker must survive the panic
	ran := make(chan struct{})
	if err := rt.Spawn(func() { close(ran) }); err != nil {
		t.Fatalf("Spawn after panic failed: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestRuntime_CloseWaitsForWorkers(t *testing.T) {
	rt := NewRuntime(2)

	var finished int64
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		rt.Spawn(func() {
			defer wg.Done()
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt64(&finished, 1)
		})
	}

	rt.Close()
	wg.Wait()

	if got := atomic.LoadInt64(&finished); got != 2 {
		t.Errorf("Expected 2 finished tasks after Close, got %d", got)
	}
}
