package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.arsenm.dev/wvbridge/config"
	"go.arsenm.dev/wvbridge/ids"
	"go.arsenm.dev/wvbridge/internal/types"
	"go.arsenm.dev/wvbridge/sandbox"
)

// fakeChannel records injected scripts instead of running them
type fakeChannel struct {
	mtx     sync.Mutex
	scripts []string
	handler func(string)
	err     error
}

func (f *fakeChannel) InjectScript(script string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return f.err
	}
	f.scripts = append(f.scripts, script)
	return nil
}

func (f *fakeChannel) OnMessage(h func(string)) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.handler = h
}

func (f *fakeChannel) injected() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.scripts)
}

func fixedIDs(list ...string) ids.Source {
	var mtx sync.Mutex
	return func() (string, error) {
		mtx.Lock()
		defer mtx.Unlock()
		if len(list) == 0 {
			return "", errors.New("out of ids")
		}
		id := list[0]
		list = list[1:]
		return id, nil
	}
}

func newSandbox(t *testing.T, setup string) *sandbox.Context {
	t.Helper()
	sb, err := sandbox.New(sandbox.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { sb.Close() })

	if setup != "" {
		_, err = sb.Eval(testCtx(t), setup)
		require.NoError(t, err)
	}
	return sb
}

func newBridge(t *testing.T, ch Channel, funcs Functions, opts ...Option) *Bridge {
	t.Helper()
	b := New(ch, funcs, opts...)
	t.Cleanup(func() { b.Close() })
	return b
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

const pageFunctions = `
window.echo = function (x) { return x; };
window.app = {
	prefix: 'hello ',
	greet: function (name) { return this.prefix + name; }
};
window.user = function () { return { name: 'arsen', tags: ['a', 'b'] }; };
window.fail = function () { throw new TypeError('bad'); };
window.rejectNothing = function () { return Promise.reject(); };
window.never = function () { return new Promise(function () {}); };
window.late = function () {
	return new Promise(function (resolve) { setTimeout(function () { resolve(1); }, 150); });
};
true;
`

func TestCallEmbedded(t *testing.T) {
	sb := newSandbox(t, pageFunctions)
	b := newBridge(t, sb, nil)

	var out map[string]any
	err := b.Call(testCtx(t), "echo", map[string]any{"x": 1}, &out)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1)}, out)

	var greeting string
	err = b.Call(testCtx(t), "window.app.greet", "world", &greeting)
	require.NoError(t, err)
	assert.Equal(t, "hello world", greeting)

	var user struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	err = b.Call(testCtx(t), "user", nil, &user)
	require.NoError(t, err)
	assert.Equal(t, "arsen", user.Name)
	assert.Equal(t, []string{"a", "b"}, user.Tags)

	assert.Equal(t, 0, b.Pending())
}

func TestCallEmbeddedErrors(t *testing.T) {
	sb := newSandbox(t, pageFunctions)
	b := newBridge(t, sb, nil)

	err := b.Call(testCtx(t), "doesNotExist", nil, nil)
	require.ErrorIs(t, err, ErrFunctionNotFound)
	assert.NotErrorIs(t, err, ErrRemoteException)

	err = b.Call(testCtx(t), "app.missing.deeper", nil, nil)
	require.ErrorIs(t, err, ErrFunctionNotFound)

	err = b.Call(testCtx(t), "fail", nil, nil)
	require.ErrorIs(t, err, ErrRemoteException)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "TypeError", re.Name)
	assert.Equal(t, "bad", re.Message)

	err = b.Call(testCtx(t), "rejectNothing", nil, nil)
	require.ErrorIs(t, err, ErrUndefinedRejection)
	assert.Contains(t, err.Error(), "rejectNothing")
}

func TestCallTimeout(t *testing.T) {
	sb := newSandbox(t, pageFunctions)

	var messages atomic.Int32
	b := newBridge(t, sb, nil, WithMessageHandler(func(string) {
		messages.Add(1)
	}))

	start := time.Now()
	call := b.Invoke("never", nil, 50*time.Millisecond)
	_, err := call.Wait(testCtx(t))
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, b.Pending())

	// The late response arrives after the timeout and is ignored
	call = b.Invoke("late", nil, 50*time.Millisecond)
	_, err = call.Wait(testCtx(t))
	require.ErrorIs(t, err, ErrTimeout)

	assert.Eventually(t, func() bool {
		return messages.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = call.Wait(testCtx(t))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, b.listeners.len())
}

func TestWaitContext(t *testing.T) {
	sb := newSandbox(t, pageFunctions)
	b := newBridge(t, sb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	call := b.Invoke("never", nil, time.Minute)
	_, err := call.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Giving up on waiting doesn't cancel the call
	assert.Equal(t, 1, b.Pending())
	assert.Error(t, call.Decode(nil))
}

func TestHostFunctions(t *testing.T) {
	sb := newSandbox(t, "")

	b := newBridge(t, sb, Functions{
		"echo": func(_ context.Context, arg any) (any, error) {
			return arg, nil
		},
		"fail": func(context.Context, any) (any, error) {
			return nil, errors.New("boom")
		},
		"panics": func(context.Context, any) (any, error) {
			panic("oh no")
		},
	})
	require.NoError(t, b.Register("add", func(in [2]int) int {
		return in[0] + in[1]
	}))
	require.NoError(t, b.Register("whoami", func(ctx context.Context) (string, error) {
		inv, ok := InvocationFromContext(ctx)
		if !ok {
			return "", errors.New("no invocation in context")
		}
		return inv.Name, nil
	}))
	require.NoError(t, b.EnsureRuntime())

	got, err := sb.Eval(testCtx(t), "getHostApi().echo({x: 1})")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": int64(1)}, got)

	got, err = sb.Eval(testCtx(t), "getHostApi().add([2, 3])")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	got, err = sb.Eval(testCtx(t), "getHostApi().whoami()")
	require.NoError(t, err)
	assert.Equal(t, "whoami", got)

	got, err = sb.Eval(testCtx(t), "getHostApi().echo()")
	require.NoError(t, err)
	assert.Nil(t, got)

	var se *sandbox.ScriptError

	_, err = sb.Eval(testCtx(t), "getHostApi().doesNotExist()")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "FunctionNotFound", se.Name)
	assert.Contains(t, se.Message, "doesNotExist")

	_, err = sb.Eval(testCtx(t), "getHostApi().fail()")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Error", se.Name)
	assert.Equal(t, "boom", se.Message)

	_, err = sb.Eval(testCtx(t), "getHostApi().panics()")
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "oh no")

	_, err = sb.Eval(testCtx(t), "getHostApi().whoami('unexpected')")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrUnexpectedArgument.Error(), se.Message)
}

func TestHostFunctionTimeout(t *testing.T) {
	sb := newSandbox(t, "")

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	b := newBridge(t, sb, Functions{
		"slow": func(ctx context.Context, _ any) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "too late", nil
		},
	})
	require.NoError(t, b.EnsureRuntime())

	_, err := sb.Eval(testCtx(t), "getHostApi(50).slow()")
	var se *sandbox.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "bridge timeout for function with name: slow")
}

func TestCircularResult(t *testing.T) {
	type node struct {
		Name string `json:"name"`
		Next *node  `json:"next,omitempty"`
	}

	sb := newSandbox(t, "")
	b := newBridge(t, sb, Functions{
		"cyclic": func(context.Context, any) (any, error) {
			n := &node{Name: "a"}
			n.Next = n
			return n, nil
		},
	})
	require.NoError(t, b.EnsureRuntime())

	got, err := sb.Eval(testCtx(t), "getHostApi().cyclic().then(function (v) { return v.name + ':' + typeof v.next; })")
	require.NoError(t, err)
	assert.Equal(t, "a:undefined", got)
}

func TestEnsureRuntimeIdempotent(t *testing.T) {
	sb := newSandbox(t, "")
	b := newBridge(t, sb, nil)

	require.NoError(t, b.EnsureRuntime())
	_, err := sb.Eval(testCtx(t), "window.first = window.getHostApi; true")
	require.NoError(t, err)

	require.NoError(t, b.EnsureRuntime())
	got, err := sb.Eval(testCtx(t), "window.getHostApi === window.first")
	require.NoError(t, err)
	assert.Equal(t, true, got)

	// Awaiting the api object itself must not send a call named then
	got, err = sb.Eval(testCtx(t), "typeof getHostApi().then")
	require.NoError(t, err)
	assert.Equal(t, "undefined", got)
}

func TestWithConfig(t *testing.T) {
	cfg := config.Default()
	cfg.FactoryName = "hostApi"
	cfg.CallTimeout = 40 * time.Millisecond

	sb := newSandbox(t, pageFunctions)
	b := newBridge(t, sb, Functions{
		"ping": func(context.Context, any) (any, error) { return "pong", nil },
	}, WithConfig(cfg))
	require.NoError(t, b.EnsureRuntime())

	got, err := sb.Eval(testCtx(t), "hostApi().ping()")
	require.NoError(t, err)
	assert.Equal(t, "pong", got)

	start := time.Now()
	err = b.Call(testCtx(t), "never", nil, nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConcurrentCalls(t *testing.T) {
	ch := &fakeChannel{}
	b := newBridge(t, ch, nil, WithIDSource(fixedIDs("a", "b")))

	callA := b.Invoke("first", 1, time.Minute)
	callB := b.Invoke("second", 2, time.Minute)
	assert.Equal(t, "a", callA.ID)
	assert.Equal(t, "b", callB.ID)
	assert.Equal(t, 2, ch.injected())
	assert.Equal(t, 2, b.Pending())

	// Answers arrive in the opposite order
	b.HandleMessage(`{"type":"functionResponse","invocationId":"b","data":"B"}`)
	select {
	case <-callA.Done():
		t.Fatal("call a settled with the response for b")
	default:
	}
	b.HandleMessage(`{"type":"functionResponse","invocationId":"a","data":"A"}`)

	var a, bres string
	require.NoError(t, callA.Decode(&a))
	require.NoError(t, callB.Decode(&bres))
	assert.Equal(t, "A", a)
	assert.Equal(t, "B", bres)
	assert.Equal(t, 0, b.Pending())
}

func TestDecodeIntegerRange(t *testing.T) {
	ch := &fakeChannel{}
	b := newBridge(t, ch, nil, WithIDSource(fixedIDs("a", "b")))

	call := b.Invoke("negative", nil, time.Minute)
	b.HandleMessage(`{"type":"functionResponse","invocationId":"a","data":-3}`)
	<-call.Done()

	var u uint8
	assert.Error(t, call.Decode(&u))
	var i int8
	require.NoError(t, call.Decode(&i))
	assert.Equal(t, int8(-3), i)

	call = b.Invoke("fraction", nil, time.Minute)
	b.HandleMessage(`{"type":"functionResponse","invocationId":"b","data":{"count":2.5}}`)
	<-call.Done()

	var out struct {
		Count int `json:"count"`
	}
	assert.Error(t, call.Decode(&out))
}

func TestInboundNoise(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	var forwarded []string
	ch := &fakeChannel{}
	b := newBridge(t, ch, nil,
		WithIDSource(fixedIDs("a")),
		WithMetrics(m),
		WithMessageHandler(func(raw string) {
			forwarded = append(forwarded, raw)
		}),
	)

	call := b.Invoke("fn", nil, time.Minute)

	inputs := []string{
		"not json",
		`{"type":"somethingElse","invocationId":"a"}`,
		`{"type":"functionResponse"}`,
		`{"type":"functionResponse","invocationId":"unknown","data":1}`,
		`{"type":"reactNativeFunctionInvocation","invocationId":"x"}`,
	}
	for _, raw := range inputs {
		b.HandleMessage(raw)
	}

	assert.Equal(t, inputs, forwarded)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.Dropped))
	assert.Equal(t, 1, b.Pending())
	select {
	case <-call.Done():
		t.Fatal("call settled by an unrelated message")
	default:
	}
}

func TestIDCollision(t *testing.T) {
	ch := &fakeChannel{}
	b := newBridge(t, ch, nil, WithIDSource(fixedIDs("a", "a", "", "b", "b")))

	first := b.Invoke("fn", nil, time.Minute)
	second := b.Invoke("fn", nil, time.Minute)
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "b", second.ID)

	// Every remaining id is in use
	third := b.Invoke("fn", nil, time.Minute)
	_, err := third.Wait(testCtx(t))
	require.Error(t, err)

	b2 := newBridge(t, ch, nil, WithIDSource(func() (string, error) { return "same", nil }))
	b2.Invoke("fn", nil, time.Minute)
	_, err = b2.Invoke("fn", nil, time.Minute).Wait(testCtx(t))
	require.ErrorIs(t, err, ErrIDSourceExhausted)
}

func TestChannelFailure(t *testing.T) {
	ch := &fakeChannel{err: errors.New("webview gone")}

	errs := make(chan error, 1)
	b := newBridge(t, ch, Functions{
		"ping": func(context.Context, any) (any, error) { return "pong", nil },
	}, WithErrorHandler(func(err error) { errs <- err }))

	// Calls fail right away instead of waiting for the timeout
	call := b.Invoke("fn", nil, time.Minute)
	_, err := call.Wait(testCtx(t))
	require.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Equal(t, 0, b.Pending())

	require.ErrorIs(t, b.EnsureRuntime(), ErrChannelUnavailable)

	// Responses that can't be delivered go to the error handler
	b.HandleMessage(`{"type":"reactNativeFunctionInvocation","invocationId":"x","name":"ping"}`)
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrChannelUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("error handler was not called")
	}
}

func TestClose(t *testing.T) {
	ch := &fakeChannel{}
	b := New(ch, nil)

	call := b.Invoke("fn", nil, time.Minute)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := call.Wait(testCtx(t))
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, b.Pending())

	_, err = b.Invoke("fn", nil, time.Minute).Wait(testCtx(t))
	require.ErrorIs(t, err, ErrClosed)

	// Invocations are no longer served
	before := ch.injected()
	b.HandleMessage(`{"type":"reactNativeFunctionInvocation","invocationId":"x","name":"fn"}`)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, ch.injected())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	sb := newSandbox(t, pageFunctions)
	b := newBridge(t, sb, Functions{
		"ping": func(context.Context, any) (any, error) { return "pong", nil },
	}, WithMetrics(m))
	require.NoError(t, b.EnsureRuntime())

	require.NoError(t, b.Call(testCtx(t), "echo", 1, nil))
	require.Error(t, b.Call(testCtx(t), "doesNotExist", nil, nil))
	_, err = b.Invoke("never", nil, 20*time.Millisecond).Wait(testCtx(t))
	require.ErrorIs(t, err, ErrTimeout)

	_, err = sb.Eval(testCtx(t), "getHostApi().ping()")
	require.NoError(t, err)
	_, err = sb.Eval(testCtx(t), "getHostApi().missing().catch(function () { return null; })")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Calls.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Calls.WithLabelValues("not_found")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Calls.WithLabelValues("timeout")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Pending))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Invocations.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Invocations.WithLabelValues("not_found")))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice should fail")
}

func TestListenerOrder(t *testing.T) {
	const n = 5

	for k := 0; k < n; k++ {
		t.Run(fmt.Sprintf("listener %d claims", k), func(t *testing.T) {
			var (
				reg   listenerRegistry
				order []int
			)
			for i := 0; i < n; i++ {
				i := i
				reg.add(func(*types.Message) bool {
					order = append(order, i)
					return i == k
				})
			}

			claimed := reg.dispatch(&types.Message{Type: types.TypeResponse, InvocationID: "x"})
			assert.Equal(t, 1, claimed)
			assert.Equal(t, []int{4, 3, 2, 1, 0}, order)
			assert.Equal(t, n-1, reg.len())
		})
	}
}

func TestListenerSelfRemoval(t *testing.T) {
	var reg listenerRegistry

	var second *listener
	reg.add(func(*types.Message) bool { return false })
	second = reg.add(func(*types.Message) bool {
		// Removing itself from inside dispatch must not deadlock
		reg.remove(second)
		return false
	})

	assert.Equal(t, 0, reg.dispatch(&types.Message{}))
	assert.Equal(t, 1, reg.len())
	assert.False(t, reg.remove(second))
}

func TestFuncOf(t *testing.T) {
	tests := []struct {
		name    string
		fn      any
		arg     any
		want    any
		wantErr error
		failed  bool
		invalid bool
	}{
		{name: "no args", fn: func() string { return "ok" }, want: "ok"},
		{name: "context only", fn: func(context.Context) error { return nil }},
		{name: "typed arg", fn: func(s string) (int, error) { return len(s), nil }, arg: "four", want: 4},
		{name: "float to int", fn: func(n int) int { return n * 2 }, arg: float64(21), want: 42},
		{name: "returned error", fn: func() error { return errors.New("x") }, wantErr: errors.New("x")},
		{name: "unexpected arg", fn: func() {}, arg: 1, wantErr: ErrUnexpectedArgument},
		{name: "fraction to int", fn: func(n int) int { return n }, arg: 1.5, failed: true},
		{name: "overflowing uint8", fn: func(n uint8) uint8 { return n }, arg: float64(300), failed: true},
		{name: "negative uint", fn: func(n uint) uint { return n }, arg: float64(-1), failed: true},
		{name: "nan to int", fn: func(n int) int { return n }, arg: math.NaN(), failed: true},
		{name: "largest uint8", fn: func(n uint8) uint8 { return n }, arg: float64(255), want: uint8(255)},
		{name: "not a function", fn: 42, invalid: true},
		{name: "too many args", fn: func(a, b int) {}, invalid: true},
		{name: "variadic", fn: func(a ...int) {}, invalid: true},
		{name: "bad second return", fn: func() (int, int) { return 0, 0 }, invalid: true},
		{name: "too many returns", fn: func() (int, int, error) { return 0, 0, nil }, invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := FuncOf(tt.fn)
			if tt.invalid {
				require.ErrorIs(t, err, ErrInvalidFunction)
				return
			}
			require.NoError(t, err)

			got, err := fn(context.Background(), tt.arg)
			if tt.failed {
				assert.Error(t, err)
				return
			}
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr.Error(), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
