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

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.arsenm.dev/wvbridge/internal/reflectutil"
	"go.arsenm.dev/wvbridge/internal/types"
	"go.arsenm.dev/wvbridge/script"
	"go.uber.org/zap"
)

// maxIDAttempts bounds the retries when a generated ID is in use
const maxIDAttempts = 8

// Call is a host to embedded call. It settles exactly once, with the
// first of: a response, a rejection, its timeout, or the bridge
// closing.
type Call struct {
	// ID is the correlation ID of the call
	ID string
	// Target is the reference of the called function
	Target string

	done   chan struct{}
	once   sync.Once
	result any
	err    error

	timer    *time.Timer
	listener *listener
}

// Done returns a channel that is closed once the call has settled
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait waits for the call to settle and returns its result. If ctx
// is done first, Wait returns ctx.Err() and the call stays pending
// until it settles on its own.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode converts the result of a settled call into the value
// ret points to
func (c *Call) Decode(ret any) error {
	select {
	case <-c.done:
	default:
		return fmt.Errorf("call %s has not settled", c.ID)
	}

	if c.err != nil {
		return c.err
	}
	if ret == nil {
		return nil
	}
	return reflectutil.Assign(c.result, ret)
}

// settle records the outcome, returning false if the call had
// already settled
func (c *Call) settle(result any, err error) bool {
	settled := false
	c.once.Do(func() {
		c.result, c.err = result, err
		settled = true
		close(c.done)
	})
	return settled
}

// Call calls the function at target in the embedded context with the
// default timeout, waits for the result and stores it in the value
// ret points to. ret may be nil if the result is not needed.
func (b *Bridge) Call(ctx context.Context, target string, arg any, ret any) error {
	call := b.Invoke(target, arg, 0)
	if _, err := call.Wait(ctx); err != nil {
		return err
	}
	return call.Decode(ret)
}

// Invoke starts a call to the function at target, a dot-separated
// property path starting at window, such as "app.load" or
// "window.app.load". A timeout <= 0 selects the bridge's default.
//
// Invoke never blocks. Failures to start the call are reported
// through the returned Call.
func (b *Bridge) Invoke(target string, arg any, timeout time.Duration) *Call {
	if timeout <= 0 {
		timeout = b.timeout
	}

	call := &Call{
		Target: target,
		done:   make(chan struct{}),
	}
	b.metrics.callStarted()

	argData, err := b.encodeArg(arg)
	if err != nil {
		b.finish(call, nil, err)
		return call
	}

	// Register the call and its listener before anything is
	// sent, so even an immediate response finds it
	if err := b.register(call, timeout); err != nil {
		b.finish(call, nil, err)
		return call
	}

	src, err := script.Invoke(target, call.ID, argData, b.runtime.PostMessage)
	if err != nil {
		b.finish(call, nil, err)
		return call
	}

	if err := b.ch.InjectScript(src); err != nil {
		b.finish(call, nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err))
	}

	return call
}

// encodeArg encodes a call argument. A nil argument is passed
// to the function as undefined.
func (b *Bridge) encodeArg(arg any) ([]byte, error) {
	if arg == nil {
		return nil, nil
	}

	data, err := b.serializer.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode argument: %w", err)
	}
	return data, nil
}

// register assigns a unique ID to the call, adds its listener and
// starts its timeout
func (b *Bridge) register(call *Call, timeout time.Duration) error {
	b.pendingMtx.Lock()
	defer b.pendingMtx.Unlock()

	if b.closed {
		return ErrClosed
	}

	for i := 0; i < maxIDAttempts; i++ {
		id, err := b.newID()
		if err != nil {
			return fmt.Errorf("failed to generate invocation id: %w", err)
		}

		if _, inUse := b.pending[id]; !inUse && id != "" {
			call.ID = id
			break
		}
	}
	if call.ID == "" {
		return ErrIDSourceExhausted
	}

	b.pending[call.ID] = call
	call.listener = b.listeners.add(func(msg *types.Message) bool {
		if msg.InvocationID != call.ID {
			return false
		}

		switch msg.Type {
		case types.TypeResponse:
			b.finish(call, msg.Data, nil)
		case types.TypeRejection:
			b.finish(call, nil, newRemoteError(msg.Data, call.Target))
		default:
			return false
		}
		return true
	})

	call.timer = time.AfterFunc(timeout, func() {
		err := fmt.Errorf("%w: %s after %s", ErrTimeout, call.Target, timeout)
		if b.finish(call, nil, err) {
			b.log.Debug("call timed out", zap.String("invocationId", call.ID), zap.String("target", call.Target))
		}
	})

	return nil
}

// finish settles the call and releases everything attached to it.
// It returns false if the call had already settled.
func (b *Bridge) finish(call *Call, result any, err error) bool {
	if !call.settle(result, err) {
		return false
	}

	b.pendingMtx.Lock()
	if call.ID != "" && b.pending[call.ID] == call {
		delete(b.pending, call.ID)
	}
	timer, l := call.timer, call.listener
	b.pendingMtx.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if l != nil {
		b.listeners.remove(l)
	}

	b.metrics.callFinished(err)
	return true
}
