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

// Package channel carries the bridge's two primitives, script
// injection and posted messages, over a stream connection, so the
// host and the embedded context can live in different processes.
package channel

import (
	"errors"
	"io"
	"net"
	"sync"

	"go.arsenm.dev/wvbridge/codec"
	"go.uber.org/zap"
)

// ErrClosed is returned when injecting into a closed connection
var ErrClosed = errors.New("channel connection is closed")

// Option configures a connection
type Option func(*options)

type options struct {
	log *zap.Logger
}

// WithLogger sets the logger used by the connection
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func newOptions(opts []Option) options {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Conn is the host side of a stream channel. It satisfies
// bridge.Channel: injected scripts are written as frames and posted
// frames are passed to the message handler.
type Conn struct {
	conn  io.ReadWriteCloser
	codec codec.Codec
	log   *zap.Logger

	writeMtx sync.Mutex

	handlerMtx sync.RWMutex
	handler    func(string)

	done chan struct{}
	err  error
}

// New creates a host connection on conn using the given codec and
// starts reading frames from it
func New(conn io.ReadWriteCloser, cf codec.CodecFunc, opts ...Option) *Conn {
	o := newOptions(opts)

	out := &Conn{
		conn:  conn,
		codec: cf(conn),
		log:   o.log.Named("channel"),
		done:  make(chan struct{}),
	}

	go out.handleConn()

	return out
}

// InjectScript sends a script to the embedded side
func (c *Conn) InjectScript(script string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	return c.codec.WriteFrame(codec.Frame{Kind: codec.KindInject, Payload: script})
}

// OnMessage sets the handler for messages posted by the
// embedded side
func (c *Conn) OnMessage(h func(string)) {
	c.handlerMtx.Lock()
	defer c.handlerMtx.Unlock()
	c.handler = h
}

// Done returns a channel that is closed when the connection stops
// reading, either because it was closed or because it failed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the connection, or nil if it
// was closed normally. It is only valid once Done is closed.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// Close closes the underlying connection
func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) handleConn() {
	defer close(c.done)

	for {
		// Attempt to decode frame using codec
		frame, err := c.codec.ReadFrame()
		if err != nil {
			if !isClosed(err) {
				c.err = err
				c.log.Warn("channel read failed", zap.Error(err))
			}
			return
		}

		if frame.Kind != codec.KindPost {
			c.log.Debug("ignoring frame", zap.String("kind", string(frame.Kind)))
			continue
		}

		c.handlerMtx.RLock()
		handler := c.handler
		c.handlerMtx.RUnlock()

		if handler == nil {
			c.log.Debug("dropped posted message, no handler set")
			continue
		}
		handler(frame.Payload)
	}
}

// isClosed reports whether err means the other side went away
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
