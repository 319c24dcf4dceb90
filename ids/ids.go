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

// Package ids provides correlation ID sources for bridge calls
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/oklog/ulid/v2"
)

// Source returns a new correlation ID every time it is called
type Source func() (string, error)

// Default is the default Source
var Default Source = UUID

// UUID is a Source that returns random v4 UUIDs
func UUID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ULID returns a Source that generates monotonic ULIDs. IDs from
// the same Source sort in the order they were generated.
func ULID() Source {
	return ULIDWithEntropy(rand.Reader)
}

// ULIDWithEntropy is like ULID, but reads randomness from the
// given reader
func ULIDWithEntropy(r io.Reader) Source {
	mtx := &sync.Mutex{}
	entropy := ulid.Monotonic(r, 0)

	return func() (string, error) {
		mtx.Lock()
		defer mtx.Unlock()

		id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
		if err != nil {
			return "", err
		}
		return id.String(), nil
	}
}
