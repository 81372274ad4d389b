// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package repr

import (
	"sort"
	"strconv"
)

// ID uniquely identifies a catalog object: a source, sink, view, index,
// secret, or connection. IDs are never reused.
type ID uint64

// InvalidID is the zero ID, never assigned to an object.
const InvalidID ID = 0

func (id ID) String() string {
	return "u" + strconv.FormatUint(uint64(id), 10)
}

// IDSet is a set of object IDs.
type IDSet map[ID]struct{}

// MakeIDSet returns a set holding the given ids.
func MakeIDSet(ids ...ID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id into the set.
func (s IDSet) Add(id ID) { s[id] = struct{}{} }

// Contains returns true if id is in the set.
func (s IDSet) Contains(id ID) bool {
	_, ok := s[id]
	return ok
}

// Ordered returns the set's members sorted ascending.
func (s IDSet) Ordered() []ID {
	ids := make([]ID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
