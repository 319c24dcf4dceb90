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

// Package script generates the JavaScript injected into the
// embedded context: the proxy runtime that lets page scripts call
// host functions, the per-call invocation of page functions, and
// the delivery of host responses.
package script

import (
	"encoding/json"
	"strings"
	"text/template"
	"time"

	"go.arsenm.dev/wvbridge/internal/types"
)

const (
	// DefaultFactoryName is the global the runtime defines
	DefaultFactoryName = "getHostApi"
	// DefaultPostMessage posts a string from the embedded context to the host
	DefaultPostMessage = "window.ReactNativeWebView.postMessage"
	// DefaultTimeout is the default timeout of proxy stubs
	DefaultTimeout = time.Second
)

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		data, err := json.Marshal(v)
		return string(data), err
	},
	"raw": func(data []byte) string {
		if len(data) == 0 {
			return "undefined"
		}
		return string(data)
	},
}

// tags are the wire tags, shared by every template
type tags struct {
	Invocation types.MessageType
	Response   types.MessageType
	Rejection  types.MessageType
}

var wireTags = tags{
	Invocation: types.TypeInvocation,
	Response:   types.TypeResponse,
	Rejection:  types.TypeRejection,
}

var runtimeTmpl = template.Must(template.New("runtime").Funcs(funcs).Parse(`(function () {
    if (typeof window[{{json .FactoryName}}] !== 'undefined') {
        return;
    }
    var counter = 0;
    function newInvocationId() {
        counter += 1;
        return Date.now().toString(36) + '-' + counter.toString(36) + '-' +
            Math.floor(Math.random() * 2147483647).toString(36);
    }
    window[{{json .FactoryName}}] = function (timeout) {
        if (timeout === undefined) {
            timeout = {{.TimeoutMs}};
        }
        return new Proxy({}, {
            get: function (_, name) {
                if (typeof name !== 'string' || name === 'then') {
                    return undefined;
                }
                return function (arg) {
                    return new Promise(function (resolve, reject) {
                        var invocationId = newInvocationId();
                        var settled = false;
                        var timer = null;
                        function settle(fn, value) {
                            if (settled) {
                                return;
                            }
                            settled = true;
                            window.removeEventListener('message', listener, false);
                            if (timer !== null) {
                                clearTimeout(timer);
                            }
                            fn(value);
                        }
                        function listener(event) {
                            var data = event ? event.data : undefined;
                            if (typeof data === 'string') {
                                try {
                                    data = JSON.parse(data);
                                } catch (e) {
                                    return;
                                }
                            }
                            if (!data || typeof data !== 'object' || data.invocationId !== invocationId) {
                                return;
                            }
                            if (data.type === {{json .Tags.Response}}) {
                                settle(resolve, data.data);
                            } else if (data.type === {{json .Tags.Rejection}}) {
                                if (data.data !== undefined && data.data !== null) {
                                    settle(reject, data.data);
                                } else {
                                    settle(reject, new Error('bridge exception is undefined for function with name: ' + name));
                                }
                            } else {
                                settle(reject, new Error('bridge unexpected type for function with name: ' + name + ' unexpected type: ' + data.type));
                            }
                        }
                        try {
                            window.addEventListener('message', listener, false);
                            timer = setTimeout(function () {
                                settle(reject, new Error('bridge timeout for function with name: ' + name));
                            }, timeout);
                            {{.PostMessage}}(JSON.stringify({
                                type: {{json .Tags.Invocation}},
                                invocationId: invocationId,
                                name: name,
                                data: arg
                            }));
                        } catch (e) {
                            settle(reject, e);
                        }
                    });
                };
            }
        });
    };
})();
true;
`))

var invokeTmpl = template.Must(template.New("invoke").Funcs(funcs).Parse(`(function () {
    var invocationId = {{json .ID}};
    var reference = {{json .Reference}};
    function post(type, data) {
        {{.PostMessage}}(JSON.stringify({
            type: type,
            invocationId: invocationId,
            data: data
        }));
    }
    function describe(e) {
        if (e instanceof Error) {
            return { name: e.name, message: e.message };
        }
        return e === undefined ? null : e;
    }
    function fail(e) {
        try {
            post({{json .Tags.Rejection}}, describe(e));
        } catch (err) {
            post({{json .Tags.Rejection}}, { name: 'Error', message: String(e) });
        }
    }
    var owner = window;
    var target = window;
    var path = reference.split('.');
    for (var i = 0; i < path.length; i++) {
        if (i === 0 && path[i] === 'window') {
            continue;
        }
        if (target === null || target === undefined) {
            break;
        }
        owner = target;
        target = target[path[i]];
    }
    if (typeof target !== 'function') {
        post({{json .Tags.Rejection}}, { name: 'FunctionNotFound', message: 'no such function: ' + reference });
        return;
    }
    new Promise(function (resolve) {
        resolve(target.call(owner, {{raw .Arg}}));
    }).then(function (response) {
        try {
            post({{json .Tags.Response}}, response);
        } catch (e) {
            fail(e);
        }
    }, fail);
})();
true;
`))

var deliverTmpl = template.Must(template.New("deliver").Funcs(funcs).Parse(`window.postMessage({{raw .}}, window.location.href);
true;
`))

// Runtime configures the embedded proxy runtime
type Runtime struct {
	// FactoryName is the name of the global factory function
	FactoryName string
	// Timeout is the default timeout of the stubs the factory returns
	Timeout time.Duration
	// PostMessage is an expression evaluating to a function that
	// posts a string to the host
	PostMessage string
}

// DefaultRuntime returns the default runtime configuration
func DefaultRuntime() Runtime {
	return Runtime{
		FactoryName: DefaultFactoryName,
		Timeout:     DefaultTimeout,
		PostMessage: DefaultPostMessage,
	}
}

func (r Runtime) withDefaults() Runtime {
	def := DefaultRuntime()
	if r.FactoryName == "" {
		r.FactoryName = def.FactoryName
	}
	if r.Timeout <= 0 {
		r.Timeout = def.Timeout
	}
	if r.PostMessage == "" {
		r.PostMessage = def.PostMessage
	}
	return r
}

// Render returns the initialization script. Running it more than
// once in the same context has no effect after the first time.
func (r Runtime) Render() (string, error) {
	r = r.withDefaults()

	sb := &strings.Builder{}
	err := runtimeTmpl.Execute(sb, struct {
		Runtime
		TimeoutMs int64
		Tags      tags
	}{r, r.Timeout.Milliseconds(), wireTags})
	return sb.String(), err
}

// Invoke returns a script calling the function at reference (a
// dot-separated property path starting at window) with the JSON
// encoded argument. The outcome is posted back with the given id.
func Invoke(reference, id string, arg []byte, postMessage string) (string, error) {
	if postMessage == "" {
		postMessage = DefaultPostMessage
	}

	sb := &strings.Builder{}
	err := invokeTmpl.Execute(sb, struct {
		ID          string
		Reference   string
		Arg         []byte
		PostMessage string
		Tags        tags
	}{id, reference, arg, postMessage, wireTags})
	return sb.String(), err
}

// Deliver returns a script that posts the JSON encoded message
// to the embedded context's own message listeners
func Deliver(msg []byte) (string, error) {
	sb := &strings.Builder{}
	err := deliverTmpl.Execute(sb, msg)
	return sb.String(), err
}
