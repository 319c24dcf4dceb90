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
	"net"
	"net/http"

	"go.arsenm.dev/wvbridge/codec"
	"golang.org/x/net/websocket"
)

// WSHandler returns an HTTP handler that upgrades requests to
// WebSocket and serves a new target on every connection. The JSON
// codec lets the host side run in a browser.
func WSHandler(cf codec.CodecFunc, newTarget TargetFunc, opts ...Option) http.Handler {
	o := newOptions(opts)

	// Create new WebSocket server
	ws := websocket.Server{}

	// Create new WebSocket config
	ws.Config = websocket.Config{
		Version: websocket.ProtocolVersionHybi13,
	}

	// Set server handler
	ws.Handler = func(c *websocket.Conn) {
		serveNew(c.Request().Context(), c, cf, newTarget, o)
	}

	return ws
}

// ServeWS starts a WebSocket server on addr serving a new target on
// every connection, until ctx is canceled
func ServeWS(ctx context.Context, addr string, cf codec.CodecFunc, newTarget TargetFunc, opts ...Option) error {
	server := &http.Server{
		Addr: addr,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		Handler: WSHandler(cf, newTarget, opts...),
	}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	// Listen and serve on given address
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// DialWS connects to a WebSocket channel server at url and returns
// the host side of the connection
func DialWS(ctx context.Context, url, origin string, cf codec.CodecFunc, opts ...Option) (*Conn, error) {
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, err
	}

	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}

	return New(conn, cf, opts...), nil
}
