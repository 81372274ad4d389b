// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package randutil

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand"

	"github.com/freshetdb/freshet/pkg/util/syncutil"
	"github.com/freshetdb/freshet/pkg/util/timeutil"
)

// lockedSource adds a mutex around a rand.Source64 so the derived *rand.Rand
// is safe for concurrent use.
type lockedSource struct {
	mu  syncutil.Mutex
	src rand.Source64
}

func (s *lockedSource) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Uint64()
}

func (s *lockedSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.Seed(seed)
}

// NewPseudoRand returns an instance of math/rand.Rand seeded from the
// current time and its seed so tests can reproduce a run. The returned
// generator is safe for concurrent use.
func NewPseudoRand() (*rand.Rand, int64) {
	seed := timeutil.Now().UnixNano()
	return NewPseudoRandWithSeed(seed), seed
}

// NewPseudoRandWithSeed is like NewPseudoRand but with a caller-chosen seed.
func NewPseudoRandWithSeed(seed int64) *rand.Rand {
	return rand.New(&lockedSource{src: rand.NewSource(seed).(rand.Source64)})
}

// SeedFromBytes hashes an arbitrary byte string down to a stable int64 seed.
// Equal inputs always produce equal seeds across processes and restarts.
func SeedFromBytes(b []byte) int64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return int64(h.Sum64())
}

// SeedFromString is SeedFromBytes for a string input.
func SeedFromString(s string) int64 {
	return SeedFromBytes([]byte(s))
}

// Uint64FromBytes reads a big-endian uint64 from the first 8 bytes of the
// input, zero-padding shorter inputs.
func Uint64FromBytes(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.BigEndian.Uint64(buf[:])
}
