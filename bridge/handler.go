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
	"fmt"

	"go.arsenm.dev/wvbridge/internal/types"
	"go.arsenm.dev/wvbridge/script"
	"go.uber.org/zap"
)

// handleInvocation runs the host function an invocation asks for and
// sends the outcome back to the embedded context
func (b *Bridge) handleInvocation(msg *types.Message) {
	log := b.log.With(
		zap.String("invocationId", msg.InvocationID),
		zap.String("name", msg.Name),
	)

	fn, ok := b.lookup(msg.Name)
	if !ok {
		log.Warn("embedded context called unknown function")
		err := fmt.Errorf("%w: %s", ErrFunctionNotFound, msg.Name)
		b.metrics.invocation(err)
		b.respond(msg, nil, err)
		return
	}

	val, err := b.execute(fn, msg)
	if err != nil {
		log.Debug("host function failed", zap.Error(err))
	}
	b.metrics.invocation(err)
	b.respond(msg, val, err)
}

// execute runs fn, turning a panic into an error
func (b *Bridge) execute(fn Function, msg *types.Message) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val, err = nil, fmt.Errorf("host function %s panicked: %v", msg.Name, r)
		}
	}()

	ctx := withInvocation(b.ctx, Invocation{
		ID:   msg.InvocationID,
		Name: msg.Name,
	})
	return fn(ctx, msg.Data)
}

// respond delivers the outcome of an invocation to the listeners of
// the embedded context. Failures are reported to the error handler,
// as there is no caller on this side to return them to.
func (b *Bridge) respond(msg *types.Message, val any, err error) {
	res := types.Message{
		Type:         types.TypeResponse,
		InvocationID: msg.InvocationID,
		Data:         val,
	}
	if err != nil {
		res.Type = types.TypeRejection
		res.Data = errorData(err)
	}

	data, merr := b.serializer.Marshal(res)
	if merr != nil {
		// The result could not be encoded, so reject instead
		res.Type = types.TypeRejection
		res.Data = errorData(fmt.Errorf("failed to encode result of %s: %w", msg.Name, merr))

		data, merr = b.serializer.Marshal(res)
		if merr != nil {
			b.reportError(merr)
			return
		}
	}

	src, err := script.Deliver(data)
	if err != nil {
		b.reportError(err)
		return
	}

	if err := b.ch.InjectScript(src); err != nil {
		b.reportError(fmt.Errorf("%w: delivering %s response %s: %v", ErrChannelUnavailable, msg.Name, msg.InvocationID, err))
	}
}
