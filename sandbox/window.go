package sandbox

import (
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// reset replaces the VM with a fresh page. Timers of the previous
// page are stopped and become inert.
func (c *Context) reset() error {
	c.generation++
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}

	c.vm = goja.New()
	c.listeners = map[string][]goja.Value{}
	c.timers = map[int64]*time.Timer{}

	return c.setupGlobals()
}

// setupGlobals configures the window object
func (c *Context) setupGlobals() error {
	vm := c.vm
	window := vm.GlobalObject()

	// Remove globals a page never has
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, c.makeConsoleFunc(level)); err != nil {
			return err
		}
	}

	location := vm.NewObject()
	if err := location.Set("href", c.href); err != nil {
		return err
	}

	post := vm.NewObject()
	if err := post.Set("postMessage", c.postOutward); err != nil {
		return err
	}

	globals := map[string]any{
		"window":              window,
		"self":                window,
		"console":             console,
		"location":            location,
		"setTimeout":          c.setTimeout,
		"clearTimeout":        c.clearTimeout,
		"addEventListener":    c.addEventListener,
		"removeEventListener": c.removeEventListener,
		"postMessage":         c.postMessage,
		c.cfg.PostMessage:     post,
	}
	for name, val := range globals {
		if err := vm.Set(name, val); err != nil {
			return err
		}
	}

	return nil
}

// makeConsoleFunc creates a console function
func (c *Context) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")

		c.consoleMtx.Lock()
		c.console = append(c.console, LogEntry{
			Level:   level,
			Message: msg,
			Time:    time.Now(),
		})
		c.consoleMtx.Unlock()

		c.log.Debug("console", zap.String("level", level), zap.String("message", msg))
		return goja.Undefined()
	}
}

// postOutward implements window.ReactNativeWebView.postMessage
func (c *Context) postOutward(call goja.FunctionCall) goja.Value {
	msg := call.Argument(0).String()

	c.handlerMtx.RLock()
	handler := c.onMessage
	c.handlerMtx.RUnlock()

	if handler == nil {
		c.log.Debug("dropped outward message, no handler set")
		return goja.Undefined()
	}

	handler(msg)
	return goja.Undefined()
}

// postMessage implements window.postMessage. The event is
// dispatched on a later turn of the event loop.
func (c *Context) postMessage(call goja.FunctionCall) goja.Value {
	data := call.Argument(0)
	gen := c.generation

	err := c.enqueue(func() {
		if gen != c.generation {
			return
		}
		event := c.vm.NewObject()
		_ = event.Set("type", "message")
		_ = event.Set("data", data)
		_ = event.Set("origin", c.href)
		c.dispatch("message", event)
	})
	if err != nil {
		c.log.Debug("dropped posted message", zap.Error(err))
	}
	return goja.Undefined()
}

// dispatch calls every listener registered for typ
func (c *Context) dispatch(typ string, event goja.Value) {
	listeners := append([]goja.Value{}, c.listeners[typ]...)
	for _, l := range listeners {
		fn, ok := goja.AssertFunction(l)
		if !ok {
			continue
		}
		c.call(fn, c.vm.GlobalObject(), event)
	}
}

func (c *Context) addEventListener(call goja.FunctionCall) goja.Value {
	typ := call.Argument(0).String()
	fn := call.Argument(1)
	if _, ok := goja.AssertFunction(fn); !ok {
		return goja.Undefined()
	}

	for _, l := range c.listeners[typ] {
		if l.SameAs(fn) {
			return goja.Undefined()
		}
	}
	c.listeners[typ] = append(c.listeners[typ], fn)
	return goja.Undefined()
}

func (c *Context) removeEventListener(call goja.FunctionCall) goja.Value {
	typ := call.Argument(0).String()
	fn := call.Argument(1)

	listeners := c.listeners[typ]
	for i, l := range listeners {
		if l.SameAs(fn) {
			c.listeners[typ] = append(listeners[:i:i], listeners[i+1:]...)
			break
		}
	}
	return goja.Undefined()
}

func (c *Context) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return goja.Undefined()
	}

	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	c.nextTimer++
	id := c.nextTimer
	gen := c.generation

	c.timers[id] = time.AfterFunc(delay, func() {
		_ = c.enqueue(func() {
			if gen != c.generation {
				return
			}
			if _, ok := c.timers[id]; !ok {
				return
			}
			delete(c.timers, id)
			c.call(fn, goja.Undefined(), args...)
		})
	})

	return c.vm.ToValue(id)
}

func (c *Context) clearTimeout(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if timer, ok := c.timers[id]; ok {
		timer.Stop()
		delete(c.timers, id)
	}
	return goja.Undefined()
}
