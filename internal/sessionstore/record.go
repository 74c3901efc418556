package sessionstore

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"time"
)

const (
	IDLen         = 32
	SecretLen     = 48
	MaxPeerKeyLen = 32
	MaxChainDepth = 9
)

// SessionID is the fixed-size identifier a client presents for resumption.
type SessionID [IDLen]byte

// IsZero reports whether id is the empty session id.
func (id SessionID) IsZero() bool {
	return id == SessionID{}
}

func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// Record is one cached session. Fixed-size fields are plain values; the
// ticket and peer chain are owned buffers reached only through methods.
type Record struct {
	ID                   SessionID
	MasterSecret         [SecretLen]byte
	CreatedAt            int64  // unix seconds
	Validity             uint32 // seconds
	Version              uint16
	CipherSuite0         uint8
	CipherSuite          uint8
	ExtendedMasterSecret bool

	ticket     Ticket
	peerChain  [][]byte
	peerKey    [MaxPeerKeyLen]byte
	peerKeyLen uint8
}

// Fresh reports whether the record may be resumed at now.
func (r *Record) Fresh(now time.Time) bool {
	return r.freshAt(now.Unix())
}

func (r *Record) freshAt(now int64) bool {
	return now < r.CreatedAt+int64(r.Validity)
}

// ExpiresAt is the first instant at which the record is no longer usable.
func (r *Record) ExpiresAt() time.Time {
	return time.Unix(r.CreatedAt+int64(r.Validity), 0)
}

// Ticket returns the record's ticket for reading.
func (r *Record) Ticket() *Ticket {
	return &r.ticket
}

// SetTicket copies b into the record's ticket.
func (r *Record) SetTicket(b []byte, alloc Allocator) error {
	return r.ticket.Set(b, alloc)
}

// PeerChain returns a copy of the stored peer certificate chain (DER).
func (r *Record) PeerChain() [][]byte {
	return cloneChain(r.peerChain)
}

// SetPeerChain snapshots at most MaxChainDepth certificates.
func (r *Record) SetPeerChain(chain [][]byte) {
	clearChain(r.peerChain)
	if len(chain) > MaxChainDepth {
		chain = chain[:MaxChainDepth]
	}
	r.peerChain = cloneChain(chain)
}

// PeerCertificates parses the stored peer chain.
func (r *Record) PeerCertificates() ([]*x509.Certificate, error) {
	out := make([]*x509.Certificate, 0, len(r.peerChain))
	for _, der := range r.peerChain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, nil
}

func (r *Record) PeerKey() []byte {
	out := make([]byte, r.peerKeyLen)
	copy(out, r.peerKey[:r.peerKeyLen])
	return out
}

// SetPeerKey records the client-side stickiness key, digesting keys longer
// than MaxPeerKeyLen.
func (r *Record) SetPeerKey(key []byte) {
	k := NormalizePeerKey(key)
	clear(r.peerKey[:])
	r.peerKeyLen = uint8(copy(r.peerKey[:], k))
}

func (r *Record) peerKeyEquals(key []byte) bool {
	return r.peerKeyLen > 0 && string(r.peerKey[:r.peerKeyLen]) == string(key)
}

// Wipe zeroes secrets and drops owned buffers.
func (r *Record) Wipe() {
	r.ticket.Reset()
	clearChain(r.peerChain)
	*r = Record{}
}

// CopyRecord deep-copies src into dst. Owned buffers are allocated with alloc;
// dst is left untouched when allocation fails.
func CopyRecord(dst, src *Record, alloc Allocator) error {
	if alloc == nil {
		alloc = LimitAllocator(0)
	}
	bufs, err := src.needs().allocate(alloc)
	if err != nil {
		return err
	}
	src.copyInto(dst, bufs)
	return nil
}

// NormalizePeerKey returns key, or its SHA-256 digest when key does not fit.
func NormalizePeerKey(key []byte) []byte {
	if len(key) <= MaxPeerKeyLen {
		return key
	}
	sum := sha256.Sum256(key)
	return sum[:]
}

// ownedSizes describes the heap buffers a deep copy of a record needs.
type ownedSizes struct {
	ticket int
	chain  []int
}

func (r *Record) needs() ownedSizes {
	n := ownedSizes{ticket: r.ticket.ownedLen()}
	if len(r.peerChain) > 0 {
		n.chain = make([]int, len(r.peerChain))
		for i, c := range r.peerChain {
			n.chain[i] = len(c)
		}
	}
	return n
}

// needsHeap is the allocation-free check used while the lock is held.
func (r *Record) needsHeap() bool {
	return r.ticket.ownedLen() > 0 || len(r.peerChain) > 0
}

func (n ownedSizes) matches(r *Record) bool {
	if r.ticket.ownedLen() != n.ticket || len(r.peerChain) != len(n.chain) {
		return false
	}
	for i, c := range r.peerChain {
		if len(c) != n.chain[i] {
			return false
		}
	}
	return true
}

type ownedBuffers struct {
	ticket []byte
	chain  [][]byte
}

func (n ownedSizes) allocate(alloc Allocator) (ownedBuffers, error) {
	var out ownedBuffers
	if n.ticket > 0 {
		buf, err := alloc(n.ticket)
		if err != nil {
			return ownedBuffers{}, err
		}
		out.ticket = buf
	}
	if len(n.chain) > 0 {
		out.chain = make([][]byte, len(n.chain))
		for i, size := range n.chain {
			out.chain[i] = make([]byte, size)
		}
	}
	return out, nil
}

// copyInto writes a deep copy of r into dst using pre-allocated buffers.
func (r *Record) copyInto(dst *Record, bufs ownedBuffers) {
	dst.Wipe()
	dst.ID = r.ID
	dst.MasterSecret = r.MasterSecret
	dst.CreatedAt = r.CreatedAt
	dst.Validity = r.Validity
	dst.Version = r.Version
	dst.CipherSuite0 = r.CipherSuite0
	dst.CipherSuite = r.CipherSuite
	dst.ExtendedMasterSecret = r.ExtendedMasterSecret
	dst.peerKey = r.peerKey
	dst.peerKeyLen = r.peerKeyLen
	r.ticket.copyInto(&dst.ticket, bufs.ticket)
	if len(r.peerChain) > 0 {
		for i, c := range r.peerChain {
			copy(bufs.chain[i], c)
		}
		dst.peerChain = bufs.chain
	}
}

func cloneChain(chain [][]byte) [][]byte {
	if len(chain) == 0 {
		return nil
	}
	out := make([][]byte, len(chain))
	for i, c := range chain {
		out[i] = append([]byte(nil), c...)
	}
	return out
}

func clearChain(chain [][]byte) {
	for _, c := range chain {
		clear(c)
	}
}
