package aio

import "fmt"

// ID identifies a request. The low bits select the slot of the request, the
// flag bits qualify it and the remaining high bits count how many times the
// slot has been reused.
//
//	[ generation : 40 ][ flags : 8 ][ index : 16 ]
type ID uint64

const (
	IndexBits      = 16
	FlagBits       = 8
	GenerationBits = 64 - IndexBits - FlagBits
	MaxSlots       = 1 << IndexBits
)

const (
	IndexMask   ID = MaxSlots - 1
	FlagMask    ID = (1<<FlagBits - 1) << IndexBits
	CounterUnit ID = 1 << (IndexBits + FlagBits)
)

const (
	// FlagChain marks a request followed by another one of the same chain.
	// Inside a slot map it marks a slot that is in use.
	FlagChain ID = 1 << (IndexBits + iota)
	Flag1
	Flag2
	Flag3
	Flag4
	Flag5
	Flag6
	Flag7
)

func NewID(generation uint64, flags ID, index uint32) ID {
	return ID(generation)*CounterUnit | flags&FlagMask | ID(index)&IndexMask
}

func (id ID) Index() uint32 {
	return uint32(id & IndexMask)
}

func (id ID) Flags() ID {
	return id & FlagMask
}

func (id ID) Generation() uint64 {
	return uint64(id / CounterUnit)
}

func (id ID) Chained() bool {
	return id&FlagChain != 0
}

func (id ID) Has(flag ID) bool {
	flag &= FlagMask
	return flag != 0 && id&flag == flag
}

func (id ID) With(flag ID) ID {
	return id | flag&FlagMask
}

func (id ID) Without(flag ID) ID {
	return id &^ (flag & FlagMask)
}

// Next is the id the same slot takes once this request is released: flags
// cleared and generation incremented, wrapping around.
func (id ID) Next() ID {
	return id&^FlagMask + CounterUnit
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%02x:%d", id.Generation(), uint64(id.Flags()>>IndexBits), id.Index())
}
