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
	"time"
)

// Option is a functional option for configuring a channel.
type Option func(*channelOptions)

type channelOptions struct {
	queueCapacity  int
	connectTimeout time.Duration
	retry          RetryStrategy
	listener       StateListener
	decodeLevel    DecodeLevel
	logger         *slog.Logger
}

func defaultChannelOptions() *channelOptions {
	return &channelOptions{
		queueCapacity:  16,
		connectTimeout: 10 * time.Second,
		retry:          DefaultRetryStrategy(),
		decodeLevel:    DecodeNothing,
		logger:         slog.Default(),
	}
}

// WithQueueCapacity bounds the number of requests that may wait on the
// channel. Submissions against a full queue fail immediately with
// ErrQueueFull.
func WithQueueCapacity(n int) Option {
	return func(o *channelOptions) {
		if n > 0 {
			o.queueCapacity = n
		}
	}
}

// WithConnectTimeout bounds each connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *channelOptions) {
		o.connectTimeout = d
	}
}

// WithRetryStrategy sets the reconnection backoff strategy.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(o *channelOptions) {
		o.retry = s
	}
}

// WithStateListener registers a callback invoked on every channel state
// transition.
func WithStateListener(l StateListener) Option {
	return func(o *channelOptions) {
		o.listener = l
	}
}

// WithDecodeLevel controls frame logging verbosity.
func WithDecodeLevel(level DecodeLevel) Option {
	return func(o *channelOptions) {
		o.decodeLevel = level
	}
}

// WithLogger sets the logger for the channel.
func WithLogger(logger *slog.Logger) Option {
	return func(o *channelOptions) {
		o.logger = logger
	}
}

// ServerOption is a functional option for configuring a server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger      *slog.Logger
	auth        AuthorizationHandler
	maxConns    int
	readTimeout time.Duration
	decodeLevel DecodeLevel
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:      slog.Default(),
		maxConns:    100,
		readTimeout: 30 * time.Second,
		decodeLevel: DecodeNothing,
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithAuthorization installs an authorization handler consulted for every
// request. Without one, all requests are allowed.
func WithAuthorization(h AuthorizationHandler) ServerOption {
	return func(o *serverOptions) {
		o.auth = h
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout sets the read timeout for client connections.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithServerDecodeLevel controls frame logging verbosity on the server.
func WithServerDecodeLevel(level DecodeLevel) ServerOption {
	return func(o *serverOptions) {
		o.decodeLevel = level
	}
}
