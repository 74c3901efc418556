package sessionstore

import "fmt"

// InlineTicketLen is the embedded ticket capacity of every record.
const InlineTicketLen = 256

// TicketKind tags where a ticket's bytes live.
type TicketKind uint8

const (
	TicketNone TicketKind = iota
	TicketInline
	TicketOwned
)

func (k TicketKind) String() string {
	switch k {
	case TicketNone:
		return "none"
	case TicketInline:
		return "inline"
	case TicketOwned:
		return "owned"
	default:
		return fmt.Sprintf("TicketKind(%d)", uint8(k))
	}
}

// Allocator returns a zeroed buffer of exactly n bytes or an error.
type Allocator func(n int) ([]byte, error)

// LimitAllocator refuses buffers larger than max bytes.
func LimitAllocator(max int) Allocator {
	return func(n int) ([]byte, error) {
		if n < 0 || (max > 0 && n > max) {
			return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrTicketAlloc, n, max)
		}
		return make([]byte, n), nil
	}
}

// Ticket holds an opaque session ticket either in the embedded buffer or in
// a heap buffer owned by this value alone. The variant is fixed by kind and
// only changes through Set, Reset, or a copy from another Ticket.
type Ticket struct {
	kind   TicketKind
	n      uint16
	inline [InlineTicketLen]byte
	owned  []byte
}

// Kind reports where the ticket bytes live.
func (t *Ticket) Kind() TicketKind {
	return t.kind
}

// Len is the ticket length in bytes.
func (t *Ticket) Len() int {
	switch t.kind {
	case TicketInline:
		return int(t.n)
	case TicketOwned:
		return len(t.owned)
	default:
		return 0
	}
}

// Bytes returns a read-only view of the ticket. The view is invalidated by
// the next Set, Reset, or store overwrite of the owning record.
func (t *Ticket) Bytes() []byte {
	switch t.kind {
	case TicketInline:
		return t.inline[:t.n]
	case TicketOwned:
		return t.owned
	default:
		return nil
	}
}

// Clone returns a fresh copy of the ticket bytes.
func (t *Ticket) Clone() []byte {
	view := t.Bytes()
	if view == nil {
		return nil
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out
}

// Set copies b into the ticket. Tickets that fit are stored inline; larger
// ones get a buffer from alloc. On allocation failure the ticket is left empty.
func (t *Ticket) Set(b []byte, alloc Allocator) error {
	t.Reset()
	if len(b) == 0 {
		return nil
	}
	if len(b) <= InlineTicketLen {
		t.kind = TicketInline
		t.n = uint16(len(b))
		copy(t.inline[:], b)
		return nil
	}
	if alloc == nil {
		alloc = LimitAllocator(0)
	}
	buf, err := alloc(len(b))
	if err != nil {
		return err
	}
	if len(buf) != len(b) {
		return fmt.Errorf("%w: allocator returned %d bytes, want %d", ErrTicketAlloc, len(buf), len(b))
	}
	copy(buf, b)
	t.kind = TicketOwned
	t.owned = buf
	return nil
}

// Reset zeroes the ticket bytes and drops any owned buffer.
func (t *Ticket) Reset() {
	clear(t.inline[:t.n])
	clear(t.owned)
	t.kind = TicketNone
	t.n = 0
	t.owned = nil
}

// ownedLen is the heap size a copy of t needs.
func (t *Ticket) ownedLen() int {
	if t.kind == TicketOwned {
		return len(t.owned)
	}
	return 0
}

// copyInto deep-copies t into dst. buf must be a caller-owned buffer of
// exactly ownedLen bytes when t is owned, and is ignored otherwise.
func (t *Ticket) copyInto(dst *Ticket, buf []byte) {
	dst.Reset()
	dst.kind = t.kind
	switch t.kind {
	case TicketInline:
		dst.n = t.n
		copy(dst.inline[:], t.inline[:t.n])
	case TicketOwned:
		copy(buf, t.owned)
		dst.owned = buf
	}
}
