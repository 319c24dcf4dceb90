/*
 *	wvbridge lets a host and an embedded script context call each other's functions.
 *	Copyright (C) 2022 Arsen Musayelyan
 *
 *	This program is free software: you can redistribute it and/or modify
 *	it under the terms of the GNU General Public License as published by
 *	the Free Software Foundation, either version 3 of the License, or
 *	(at your option) any later version.
 *
 *	This program is distributed in the hope that it will be useful,
 *	but WITHOUT ANY WARRANTY; without even the implied warranty of
 *	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *	GNU General Public License for more details.
 *
 *	You should have received a copy of the GNU General Public License
 *	along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package bridge implements correlation-based RPC between a host and
// an embedded script context that can only be reached by injecting
// scripts into it and receiving the string messages it posts back.
//
// Host functions registered with the bridge become callable from the
// embedded context through the proxy injected by EnsureRuntime.
// Functions of the embedded context are called with Invoke and Call.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.arsenm.dev/wvbridge/ids"
	"go.arsenm.dev/wvbridge/internal/types"
	"go.arsenm.dev/wvbridge/script"
	"go.arsenm.dev/wvbridge/serialize"
	"go.uber.org/zap"
)

// Channel connects the bridge to an embedded context
type Channel interface {
	// InjectScript runs a script inside the embedded context without
	// waiting for it. It fails if the context is gone.
	InjectScript(script string) error
	// OnMessage sets the handler for strings the embedded context
	// posts to the host
	OnMessage(handler func(raw string))
}

// Bridge is the host side of the bridge
type Bridge struct {
	ch Channel

	log        *zap.Logger
	timeout    time.Duration
	newID      ids.Source
	serializer serialize.Serializer
	runtime    script.Runtime
	metrics    *Metrics
	onError    func(error)
	onMessage  func(string)

	funcsMtx sync.RWMutex
	funcs    Functions

	listeners listenerRegistry

	pendingMtx sync.Mutex
	pending    map[string]*Call
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bridge on ch serving the given host functions. It
// takes over ch's message handler.
func New(ch Channel, funcs Functions, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		ch:         ch,
		log:        zap.NewNop(),
		timeout:    script.DefaultTimeout,
		newID:      ids.Default,
		serializer: serialize.CircularSafe,
		runtime:    script.DefaultRuntime(),
		funcs:      Functions{},
		pending:    map[string]*Call{},
		ctx:        ctx,
		cancel:     cancel,
	}

	for name, fn := range funcs {
		b.funcs[name] = fn
	}

	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.Named("bridge")

	ch.OnMessage(b.HandleMessage)

	return b
}

// Register makes fn callable from the embedded context under name.
// See FuncOf for the accepted function signatures.
func (b *Bridge) Register(name string, fn any) error {
	f, err := FuncOf(fn)
	if err != nil {
		return err
	}

	b.funcsMtx.Lock()
	defer b.funcsMtx.Unlock()
	b.funcs[name] = f
	return nil
}

// lookup returns the function registered under name
func (b *Bridge) lookup(name string) (Function, bool) {
	b.funcsMtx.RLock()
	defer b.funcsMtx.RUnlock()
	fn, ok := b.funcs[name]
	return fn, ok && fn != nil
}

// EnsureRuntime injects the proxy runtime into the embedded context.
// It is safe to call any number of times, for example on every
// navigation of the embedded context.
func (b *Bridge) EnsureRuntime() error {
	src, err := b.runtime.Render()
	if err != nil {
		return err
	}

	if err := b.ch.InjectScript(src); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

// HandleMessage processes a raw message posted by the embedded
// context. New installs it as the channel's message handler; it only
// needs to be called directly by channels that deliver messages some
// other way.
func (b *Bridge) HandleMessage(raw string) {
	defer b.forward(raw)

	msg, err := types.Parse([]byte(raw))
	if err != nil {
		// The channel may carry foreign traffic
		b.metrics.dropped()
		b.log.Debug("ignoring inbound message", zap.Error(err))
		return
	}

	claimed := b.listeners.dispatch(msg)
	if msg.Type != types.TypeInvocation {
		if claimed == 0 {
			b.log.Debug(
				"unmatched response",
				zap.String("invocationId", msg.InvocationID),
				zap.String("type", string(msg.Type)),
			)
		}
		return
	}

	b.pendingMtx.Lock()
	closed := b.closed
	b.pendingMtx.Unlock()
	if closed {
		return
	}

	go b.handleInvocation(msg)
}

// forward passes a raw message to the message handler, if any
func (b *Bridge) forward(raw string) {
	if b.onMessage != nil {
		b.onMessage(raw)
	}
}

// reportError passes an error to the error handler, if any
func (b *Bridge) reportError(err error) {
	b.log.Error("bridge error", zap.Error(err))
	if b.onError != nil {
		b.onError(err)
	}
}

// Pending returns the amount of calls awaiting a response
func (b *Bridge) Pending() int {
	b.pendingMtx.Lock()
	defer b.pendingMtx.Unlock()
	return len(b.pending)
}

// Close cancels the context of running host functions and fails
// every pending call with ErrClosed. The channel is not closed.
func (b *Bridge) Close() error {
	b.pendingMtx.Lock()
	if b.closed {
		b.pendingMtx.Unlock()
		return nil
	}
	b.closed = true

	calls := make([]*Call, 0, len(b.pending))
	for _, call := range b.pending {
		calls = append(calls, call)
	}
	b.pendingMtx.Unlock()

	b.cancel()

	for _, call := range calls {
		b.finish(call, nil, ErrClosed)
	}

	return nil
}
