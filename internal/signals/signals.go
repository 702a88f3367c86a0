// Copyright 2025 Tom Barlow
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

// Package signals turns process termination signals into context
// cancellation. The process is never exited from here; callers observe the
// cancelled context and shut down in order.
package signals

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Trapped lists the signals that request an orderly stop.
var Trapped = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// Trap returns a context that is cancelled on the first SIGINT or SIGTERM.
// Later signals are logged and otherwise ignored so an in-progress shutdown
// can complete. stop restores default signal handling.
func Trap(parent context.Context, logger *slog.Logger) (context.Context, func()) {
	return trap(parent, logger, make(chan os.Signal, 2), signal.Notify, signal.Stop)
}

func trap(
	parent context.Context,
	logger *slog.Logger,
	sigCh chan os.Signal,
	notify func(chan<- os.Signal, ...os.Signal),
	unnotify func(chan<- os.Signal),
) (context.Context, func()) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(parent)
	notify(sigCh, Trapped...)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		received := 0
		for {
			select {
			case sig := <-sigCh:
				received++
				if received == 1 {
					logger.Info("received signal, stopping", slog.String("signal", sig.String()))
					cancel(&SignalError{Signal: sig})
					continue
				}
				logger.Warn("shutdown already in progress", slog.String("signal", sig.String()))
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			unnotify(sigCh)
			close(done)
			wg.Wait()
			cancel(context.Canceled)
		})
	}
	return ctx, stop
}

// SignalError is the cancellation cause recorded when a signal arrives.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return "received " + e.Signal.String()
}

// Received returns the signal that cancelled ctx, if any.
func Received(ctx context.Context) (os.Signal, bool) {
	if se, ok := context.Cause(ctx).(*SignalError); ok {
		return se.Signal, true
	}
	return nil, false
}
