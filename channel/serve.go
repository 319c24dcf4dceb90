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

package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.arsenm.dev/wvbridge/codec"
	"go.uber.org/zap"
)

// Target is an embedded context served over a connection, such as
// a *sandbox.Context
type Target interface {
	InjectScript(script string) error
	OnMessage(handler func(msg string))
}

// TargetFunc creates the embedded context for a new connection
type TargetFunc func(ctx context.Context) (Target, error)

// Serve accepts connections from ln and serves a new target created
// by newTarget on each of them, until ctx is canceled. Targets that
// implement io.Closer are closed when their connection ends.
func Serve(ctx context.Context, ln net.Listener, cf codec.CodecFunc, newTarget TargetFunc, opts ...Option) {
	o := newOptions(opts)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			break
		} else if err != nil {
			o.log.Warn("accept failed", zap.Error(err))
			continue
		}

		go serveNew(ctx, conn, cf, newTarget, o)
	}
}

// serveNew creates a target and serves it on conn
func serveNew(ctx context.Context, conn io.ReadWriteCloser, cf codec.CodecFunc, newTarget TargetFunc, o options) {
	defer conn.Close()

	target, err := newTarget(ctx)
	if err != nil {
		o.log.Error("failed to create embedded context", zap.Error(err))
		return
	}
	if closer, ok := target.(io.Closer); ok {
		defer closer.Close()
	}

	if err := serveConn(ctx, conn, cf, target, o); err != nil {
		o.log.Warn("connection failed", zap.Error(err))
	}
}

// ServeConn serves target on the provided connection until the
// connection ends or ctx is canceled. Injected scripts read from
// conn run in target and messages target posts are written to conn.
// It returns nil when the other side closes the connection.
func ServeConn(ctx context.Context, conn io.ReadWriter, cf codec.CodecFunc, target Target, opts ...Option) error {
	return serveConn(ctx, conn, cf, target, newOptions(opts))
}

func serveConn(ctx context.Context, conn io.ReadWriter, cf codec.CodecFunc, target Target, o options) error {
	c := cf(conn)
	log := o.log.Named("channel")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the read loop when ctx is canceled
	if closer, ok := conn.(io.Closer); ok {
		go func() {
			<-ctx.Done()
			closer.Close()
		}()
	}

	writeMtx := &sync.Mutex{}
	target.OnMessage(func(msg string) {
		if ctx.Err() != nil {
			return
		}

		writeMtx.Lock()
		defer writeMtx.Unlock()

		err := c.WriteFrame(codec.Frame{Kind: codec.KindPost, Payload: msg})
		if err != nil {
			log.Warn("failed to send posted message", zap.Error(err))
		}
	})
	defer target.OnMessage(nil)

	for {
		// Read frame using codec
		frame, err := c.ReadFrame()
		if err != nil {
			if isClosed(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if frame.Kind != codec.KindInject {
			log.Debug("ignoring frame", zap.String("kind", string(frame.Kind)))
			continue
		}

		if err := target.InjectScript(frame.Payload); err != nil {
			return err
		}
	}
}
