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

package codec

import (
	"encoding/gob"
	"encoding/json"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies the direction of a frame
type Kind string

const (
	// KindInject carries a script to run inside the embedded context
	KindInject Kind = "inject"
	// KindPost carries a message the embedded context posted outward
	KindPost Kind = "post"
)

// Frame is the unit exchanged over stream channels
type Frame struct {
	Kind    Kind   `json:"kind" msgpack:"kind"`
	Payload string `json:"payload" msgpack:"payload"`
}

// CodecFunc is a function that returns a new Codec
// bound to the given io.ReadWriter
type CodecFunc func(io.ReadWriter) Codec

// Codec is able to write and read frames to/from
// the given io.ReadWriter
type Codec interface {
	WriteFrame(f Frame) error
	ReadFrame() (Frame, error)
}

// Default is the default CodecFunc
var Default = Msgpack

// encoder and decoder cover every codec used here
type encoder interface{ Encode(any) error }
type decoder interface{ Decode(any) error }

type streamCodec struct {
	enc encoder
	dec decoder
}

func (sc streamCodec) WriteFrame(f Frame) error {
	return sc.enc.Encode(f)
}

func (sc streamCodec) ReadFrame() (Frame, error) {
	var f Frame
	err := sc.dec.Decode(&f)
	return f, err
}

// JSON is a CodecFunc that creates a JSON Codec. This is the
// easiest codec to speak from a browser.
func JSON(rw io.ReadWriter) Codec {
	return streamCodec{
		enc: json.NewEncoder(rw),
		dec: json.NewDecoder(rw),
	}
}

// Msgpack is a CodecFunc that creates a Msgpack Codec
func Msgpack(rw io.ReadWriter) Codec {
	return streamCodec{
		enc: msgpack.NewEncoder(rw),
		dec: msgpack.NewDecoder(rw),
	}
}

// Gob is a CodecFunc that creates a Gob Codec
func Gob(rw io.ReadWriter) Codec {
	return streamCodec{
		enc: gob.NewEncoder(rw),
		dec: gob.NewDecoder(rw),
	}
}
