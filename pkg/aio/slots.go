package aio

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/brickingsoft/errors"
)

// SlotMap hands out request slots. A sequence number reserved with Reserve
// selects a slot; Get claims it once every earlier sequence of the same slot
// has been released, and Put releases the slot encoded in id with its next
// generation. Slots are therefore claimed in sequence order: the generation of
// a claimed id is its sequence divided by the size. The
// seq given to Put is the one the completion was reported with, which
// engines do not always know, so it only serves diagnostics.
type SlotMap interface {
	Size() uint32
	Reserve(n uint32) uint64
	Get(seq uint64, wait func()) ID
	Put(seq uint64, id ID)
}

// turn is the id a free slot holds when seq may claim it.
func turn(seq uint64, bits uint32, mask uint64) ID {
	return NewID(seq>>bits, 0, uint32(seq&mask))
}

func slotSize(bits uint32) (uint32, error) {
	if bits > IndexBits {
		return 0, errors.From(
			ErrInvalidSlots,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta("bits", fmt.Sprint(bits)),
		)
	}
	return 1 << bits, nil
}

// NewAtomicSlots creates a lock-free slot map of 1<<bits entries. The entries
// are stored in backing when it is large enough, else in a new array.
func NewAtomicSlots(bits uint32, backing []atomic.Uint64) (*AtomicSlots, error) {
	size, err := slotSize(bits)
	if err != nil {
		return nil, err
	}
	if uint32(len(backing)) < size {
		backing = make([]atomic.Uint64, size)
	}
	entries := backing[:size]
	for i := range entries {
		entries[i].Store(uint64(i))
	}
	return &AtomicSlots{
		bits:    bits,
		mask:    uint64(size - 1),
		entries: entries,
	}, nil
}

type AtomicSlots struct {
	seq     atomic.Uint64
	bits    uint32
	mask    uint64
	entries []atomic.Uint64
}

func (s *AtomicSlots) Size() uint32 {
	return uint32(s.mask + 1)
}

func (s *AtomicSlots) Reserve(n uint32) uint64 {
	return s.seq.Add(uint64(n)) - uint64(n)
}

func (s *AtomicSlots) Get(seq uint64, wait func()) ID {
	if wait == nil {
		wait = runtime.Gosched
	}
	entry := &s.entries[seq&s.mask]
	id := turn(seq, s.bits, s.mask)
	// only the owner of the turn can succeed, and it never competes
	for !entry.CompareAndSwap(uint64(id), uint64(id|FlagChain)) {
		wait()
	}
	return id
}

func (s *AtomicSlots) Put(_ uint64, id ID) {
	s.entries[uint64(id.Index())&s.mask].Store(uint64(id.Next()))
}

func NewLockedSlots(bits uint32) (*LockedSlots, error) {
	size, err := slotSize(bits)
	if err != nil {
		return nil, err
	}
	entries := make([]ID, size)
	for i := range entries {
		entries[i] = ID(i)
	}
	return &LockedSlots{
		bits:    bits,
		mask:    uint64(size - 1),
		entries: entries,
	}, nil
}

// LockedSlots serializes every access with a mutex.
type LockedSlots struct {
	mu      sync.Mutex
	seq     uint64
	bits    uint32
	mask    uint64
	entries []ID
}

func (s *LockedSlots) Size() uint32 {
	return uint32(s.mask + 1)
}

func (s *LockedSlots) Reserve(n uint32) uint64 {
	s.mu.Lock()
	seq := s.seq
	s.seq += uint64(n)
	s.mu.Unlock()
	return seq
}

func (s *LockedSlots) Get(seq uint64, wait func()) ID {
	if wait == nil {
		wait = runtime.Gosched
	}
	index := seq & s.mask
	id := turn(seq, s.bits, s.mask)
	s.mu.Lock()
	for s.entries[index] != id {
		s.mu.Unlock()
		wait()
		s.mu.Lock()
	}
	s.entries[index] = id | FlagChain
	s.mu.Unlock()
	return id
}

func (s *LockedSlots) Put(_ uint64, id ID) {
	s.mu.Lock()
	s.entries[uint64(id.Index())&s.mask] = id.Next()
	s.mu.Unlock()
}
