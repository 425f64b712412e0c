/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"crypto/rand"
	"sync"

	"modernc.org/b"
)

const (
	MAXTRIES = 64 // random probes before declaring the pool exhausted
)

func port_cmp(a, b interface{}) int {
	return int(a.(uint16)) - int(b.(uint16))
}

/* Global port allocator

One allocator per protocol family. Ports are drawn at random from the
configured range and tracked in a btree until released. Random probing keeps
consecutive flows from mapping to adjacent global ports.
*/

type PortGen struct {
	allocated *b.Tree
	mtx       sync.Mutex
	lo, hi    uint16
}

func (pg *PortGen) init(lo, hi uint16) {

	pg.lo = lo
	pg.hi = hi
	pg.allocated = b.TreeNew(b.Cmp(port_cmp))
}

func (pg *PortGen) alloc() (uint16, bool) {

	creep := make([]byte, 2)
	span := uint32(pg.hi) - uint32(pg.lo) + 1

	pg.mtx.Lock()
	defer pg.mtx.Unlock()

	for ii := 0; ii < MAXTRIES; ii++ {

		_, err := rand.Read(creep)
		if err != nil {
			continue // cannot get random number
		}
		port := pg.lo + uint16(uint32(be.Uint16(creep))%span)

		_, added := pg.allocated.Put(port, func(old interface{}, exists bool) (interface{}, bool) {
			return true, !exists
		})
		if added {
			return port, true
		}
	}

	return 0, false // pool effectively exhausted
}

// Mark a specific port allocated. Used for restored entries and static
// forward rules. Ports outside the dynamic range are accepted and ignored.
func (pg *PortGen) reserve(port uint16) bool {

	if port < pg.lo || port > pg.hi {
		return true
	}

	pg.mtx.Lock()
	defer pg.mtx.Unlock()

	_, added := pg.allocated.Put(port, func(old interface{}, exists bool) (interface{}, bool) {
		return true, !exists
	})
	return added
}

func (pg *PortGen) release(port uint16) {

	if port < pg.lo || port > pg.hi {
		return
	}

	pg.mtx.Lock()
	defer pg.mtx.Unlock()

	pg.allocated.Delete(port)
}

func (pg *PortGen) inuse() int {

	pg.mtx.Lock()
	defer pg.mtx.Unlock()

	return pg.allocated.Len()
}
