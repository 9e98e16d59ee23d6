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
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Runtime hosts all channel and server tasks on a fixed-size worker pool.
// Create it once; channels and servers are created against a live Runtime
// and must be closed before it.
type Runtime struct {
	tasks  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed int32
	logger *slog.Logger
}

// NewRuntime creates a runtime with the given number of workers. Channel
// loops and server connections each occupy a worker while active, so size
// the pool for the expected number of concurrent channels and connections.
func NewRuntime(workers int, opts ...RuntimeOption) *Runtime {
	if workers < 1 {
		workers = 1
	}

	r := &Runtime{
		tasks:  make(chan func(), workers),
		stopCh: make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the logger used for panics escaping tasks.
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logger
	}
}

func (r *Runtime) worker() {
	defer r.wg.Done()
	for {
		select {
		case task := <-r.tasks:
			r.runTask(task)
		case <-r.stopCh:
			// drain whatever was accepted before shutdown
			select {
			case task := <-r.tasks:
				r.runTask(task)
			default:
				return
			}
		}
	}
}

func (r *Runtime) runTask(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in runtime task",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	task()
}

// Spawn schedules a task on the pool. It blocks while all workers are busy
// and the queue is full, and fails once the runtime is shut down.
func (r *Runtime) Spawn(task func()) error {
	if atomic.LoadInt32(&r.closed) == 1 {
		return ErrRuntimeClosed
	}
	select {
	case r.tasks <- task:
		return nil
	case <-r.stopCh:
		return ErrRuntimeClosed
	}
}

// Close shuts the runtime down and waits for the workers to drain. All
// channels and servers using the runtime must be closed first; their loops
// hold workers until they exit.
func (r *Runtime) Close() {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
}
