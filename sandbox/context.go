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

package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Context is an embedded script context backed by a goja VM. It
// provides the subset of a browser window the bridge relies on:
// window.postMessage with message listeners, timers, location and
// an outward post object (window.ReactNativeWebView by default).
//
// All script runs on a single event loop goroutine. Context
// satisfies bridge.Channel.
type Context struct {
	cfg Config
	log *zap.Logger

	mtx    sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	handlerMtx sync.RWMutex
	onMessage  func(string)
	onNavigate []func(href string)

	consoleMtx sync.Mutex
	console    []LogEntry

	// Owned by the event loop goroutine
	vm         *goja.Runtime
	href       string
	generation uint64
	listeners  map[string][]goja.Value
	timers     map[int64]*time.Timer
	nextTimer  int64
}

// New creates a new context and starts its event loop
func New(cfg Config) (*Context, error) {
	cfg = cfg.withDefaults()

	c := &Context{
		cfg:  cfg,
		log:  cfg.Logger.Named("sandbox"),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		href: cfg.Href,
	}

	if err := c.reset(); err != nil {
		return nil, err
	}

	go c.loop()

	return c, nil
}

// InjectScript queues a script for execution in the context. Errors
// thrown by the script stay inside the context, like in a real
// webview; only a closed context is reported.
func (c *Context) InjectScript(script string) error {
	return c.enqueue(func() {
		if _, err := c.run(script); err != nil {
			c.log.Debug("injected script failed", zap.Error(err))
		}
	})
}

// OnMessage sets the handler receiving every string the context
// posts outward. The handler runs on the event loop goroutine and
// must not block.
func (c *Context) OnMessage(h func(string)) {
	c.handlerMtx.Lock()
	defer c.handlerMtx.Unlock()
	c.onMessage = h
}

// OnNavigationStateChange adds a handler that is called, on the
// event loop goroutine, every time Navigate loads a new page
func (c *Context) OnNavigationStateChange(h func(href string)) {
	c.handlerMtx.Lock()
	defer c.handlerMtx.Unlock()
	c.onNavigate = append(c.onNavigate, h)
}

// Navigate replaces the page with a fresh one at href. Globals,
// listeners and pending timers of the previous page are discarded.
func (c *Context) Navigate(href string) error {
	return c.enqueue(func() {
		c.mtx.Lock()
		c.href = href
		c.mtx.Unlock()

		if err := c.reset(); err != nil {
			c.log.Error("failed to reset context", zap.Error(err))
			return
		}

		c.handlerMtx.RLock()
		handlers := append([]func(string){}, c.onNavigate...)
		c.handlerMtx.RUnlock()

		for _, h := range handlers {
			h(href)
		}
	})
}

// Eval runs a script and returns its exported completion value. If
// the value is a thenable, Eval waits for it to settle and returns
// the resolved value, or a *ScriptError with the rejection reason.
func (c *Context) Eval(ctx context.Context, script string) (any, error) {
	type result struct {
		val any
		err error
	}
	resCh := make(chan result, 1)

	err := c.enqueue(func() {
		val, err := c.run(script)
		if err != nil {
			resCh <- result{err: err}
			return
		}

		obj, ok := val.(*goja.Object)
		if !ok {
			resCh <- result{val: export(val)}
			return
		}

		then, ok := goja.AssertFunction(obj.Get("then"))
		if !ok {
			resCh <- result{val: export(val)}
			return
		}

		onFulfilled := func(call goja.FunctionCall) goja.Value {
			resCh <- result{val: export(call.Argument(0))}
			return goja.Undefined()
		}
		onRejected := func(call goja.FunctionCall) goja.Value {
			resCh <- result{err: toScriptError(call.Argument(0))}
			return goja.Undefined()
		}

		_, err = then(obj, c.vm.ToValue(onFulfilled), c.vm.ToValue(onRejected))
		if err != nil {
			resCh <- result{err: err}
		}
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-resCh:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Href returns the current value of window.location.href
func (c *Context) Href() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.href
}

// Console returns the console output collected so far
func (c *Context) Console() []LogEntry {
	c.consoleMtx.Lock()
	defer c.consoleMtx.Unlock()
	return append([]LogEntry{}, c.console...)
}

// Close stops the event loop. Queued scripts are dropped and
// later injections fail with ErrClosed.
func (c *Context) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// enqueue adds a job to the event loop
func (c *Context) enqueue(job func()) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.queue = append(c.queue, job)

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Context) loop() {
	defer close(c.done)

	for {
		c.mtx.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.mtx.Unlock()
			<-c.wake
			c.mtx.Lock()
		}
		if c.closed {
			c.mtx.Unlock()
			return
		}
		jobs := c.queue
		c.queue = nil
		c.mtx.Unlock()

		for _, job := range jobs {
			job()
		}
	}
}

// guard runs fn, interrupting the VM if it takes longer than
// the configured script timeout
func (c *Context) guard(fn func() error) error {
	vm := c.vm

	// done keeps a timer that fires as fn returns from interrupting
	// whatever runs next
	var (
		mtx  sync.Mutex
		done bool
	)
	timer := time.AfterFunc(c.cfg.ScriptTimeout, func() {
		mtx.Lock()
		defer mtx.Unlock()
		if !done {
			vm.Interrupt("script timeout exceeded")
		}
	})
	err := fn()

	mtx.Lock()
	done = true
	mtx.Unlock()
	timer.Stop()
	vm.ClearInterrupt()

	var ex *goja.Exception
	if errors.As(err, &ex) {
		return toScriptError(ex.Value())
	}
	return err
}

// run executes a script on the event loop goroutine
func (c *Context) run(script string) (val goja.Value, err error) {
	err = c.guard(func() error {
		val, err = c.vm.RunString(script)
		return err
	})
	return val, err
}

// call invokes a JS callback on the event loop goroutine
func (c *Context) call(fn goja.Callable, this goja.Value, args ...goja.Value) {
	err := c.guard(func() error {
		_, err := fn(this, args...)
		return err
	})
	if err != nil {
		c.log.Debug("callback failed", zap.Error(err))
	}
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func toScriptError(v goja.Value) *ScriptError {
	se := &ScriptError{Value: export(v)}
	if v == nil {
		se.Message = "undefined"
		return se
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		se.Message = v.String()
		return se
	}

	name := obj.Get("name")
	msg := obj.Get("message")
	if msg == nil || goja.IsUndefined(msg) {
		se.Message = v.String()
		return se
	}
	if name != nil && !goja.IsUndefined(name) {
		se.Name = name.String()
	}
	se.Message = msg.String()
	return se
}
