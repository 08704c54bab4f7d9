// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventloop

import (
	"encoding/binary"
	"sync"

	"github.com/ManuGH/btbusd/internal/bus"
)

// Control-channel ops. Every record is a fixed 17-byte layout: op byte,
// little-endian fd int32, flags uint32, token uint64. Unused trailing
// fields are zero.
const (
	opExit   byte = 1
	opAdd    byte = 2
	opRemove byte = 3

	controlRecordSize = 17
)

type controlRecord struct {
	op    byte
	fd    int32
	flags bus.WatchFlags
	token uint64
}

func (r controlRecord) encode() [controlRecordSize]byte {
	var b [controlRecordSize]byte
	b[0] = r.op
	binary.LittleEndian.PutUint32(b[1:5], uint32(r.fd))
	binary.LittleEndian.PutUint32(b[5:9], uint32(r.flags))
	binary.LittleEndian.PutUint64(b[9:17], r.token)
	return b
}

func decodeControl(b []byte) controlRecord {
	return controlRecord{
		op:    b[0],
		fd:    int32(binary.LittleEndian.Uint32(b[1:5])),
		flags: bus.WatchFlags(binary.LittleEndian.Uint32(b[5:9])),
		token: binary.LittleEndian.Uint64(b[9:17]),
	}
}

func opName(op byte) string {
	switch op {
	case opExit:
		return "exit"
	case opAdd:
		return "add"
	case opRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// handleTable carries watch handles across the control channel. A socket
// cannot transport a Go reference, so add records carry a token the worker
// redeems on receipt. Redemption happens exactly once per record,
// including for adds that later collapse as duplicates.
type handleTable struct {
	mu      sync.Mutex
	next    uint64
	watches map[uint64]bus.Watch
}

func newHandleTable() *handleTable {
	return &handleTable{watches: make(map[uint64]bus.Watch)}
}

func (t *handleTable) put(w bus.Watch) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.watches[t.next] = w
	return t.next
}

func (t *handleTable) take(token uint64) (bus.Watch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.watches[token]
	if ok {
		delete(t.watches, token)
	}
	return w, ok
}

func (t *handleTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watches)
}
