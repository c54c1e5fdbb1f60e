package main

import "chatd/internal/chat"

// connTable is a slab-style connection table. Tokens are assigned starting
// at base and freed slots are recycled, so the table never hands out more
// than cap simultaneous tokens. The listener token sits below base and can
// never collide with a connection.
type connTable struct {
	base  int
	slots []*Conn
	free  []int
	count int
}

func newConnTable(base, capacity int) *connTable {
	return &connTable{
		base:  base,
		slots: make([]*Conn, 0, capacity),
	}
}

// insert allocates a token, builds the connection with mk, and stores it.
// Returns false when the table is at capacity.
func (t *connTable) insert(mk func(token chat.Token) *Conn) (*Conn, bool) {
	var idx int
	switch {
	case len(t.free) > 0:
		idx = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
	case len(t.slots) < cap(t.slots):
		idx = len(t.slots)
		t.slots = t.slots[:idx+1]
	default:
		return nil, false
	}

	c := mk(chat.Token(t.base + idx))
	t.slots[idx] = c
	t.count++
	return c, true
}

// get returns the connection for token, or nil.
func (t *connTable) get(token chat.Token) *Conn {
	idx := int(token) - t.base
	if idx < 0 || idx >= len(t.slots) {
		return nil
	}
	return t.slots[idx]
}

// remove frees the slot for token. The token may be handed out again.
func (t *connTable) remove(token chat.Token) {
	idx := int(token) - t.base
	if idx < 0 || idx >= len(t.slots) || t.slots[idx] == nil {
		return
	}
	t.slots[idx] = nil
	t.free = append(t.free, idx)
	t.count--
}

// len returns the number of live connections.
func (t *connTable) len() int { return t.count }

// each calls fn for every live connection.
func (t *connTable) each(fn func(*Conn)) {
	for _, c := range t.slots {
		if c != nil {
			fn(c)
		}
	}
}
