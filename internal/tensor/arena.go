package tensor

import "fmt"

// DataID identifies a backend-owned raw buffer. It is a key, not data: the
// storage it names is owned by exactly one backend at a time, and ownership
// can transfer between backends on a move.
//
// The id is a slot index plus a generation tag. A released slot is reused
// with a bumped generation, so a stale DataID held after release can never
// alias a newer buffer. The zero value is invalid.
type DataID struct {
	index uint32
	gen   uint32
}

// Valid reports whether the id was ever allocated.
func (id DataID) Valid() bool {
	return id.gen != 0
}

func (id DataID) String() string {
	return fmt.Sprintf("data[%d@%d]", id.index, id.gen)
}

// DataArena hands out DataIDs from a generation-checked slot table. The
// engine owns one arena and shares it with every backend it instantiates,
// so ids stay unique across backends and survive ownership moves.
//
// The arena is confined to the engine's owner goroutine, like the rest of
// the engine state.
type DataArena struct {
	gens []uint32
	live []bool
	free []uint32
}

// NewDataArena creates an empty arena.
func NewDataArena() *DataArena {
	return &DataArena{}
}

// Alloc reserves a slot and returns its id.
func (a *DataArena) Alloc() DataID {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.gens[idx]++
		a.live[idx] = true
		return DataID{index: idx, gen: a.gens[idx]}
	}
	idx := uint32(len(a.gens))
	a.gens = append(a.gens, 1)
	a.live = append(a.live, true)
	return DataID{index: idx, gen: 1}
}

// Live reports whether the id names a currently allocated slot. A stale id
// (released, or from a reused slot's earlier generation) is not live.
func (a *DataArena) Live(id DataID) bool {
	return int(id.index) < len(a.gens) &&
		a.gens[id.index] == id.gen &&
		a.live[id.index]
}

// Release frees the slot. It returns false for a stale or double release,
// which callers treat as a bookkeeping bug.
func (a *DataArena) Release(id DataID) bool {
	if !a.Live(id) {
		return false
	}
	a.live[id.index] = false
	a.free = append(a.free, id.index)
	return true
}

// NumLive returns the number of allocated slots.
func (a *DataArena) NumLive() int {
	n := 0
	for _, l := range a.live {
		if l {
			n++
		}
	}
	return n
}
