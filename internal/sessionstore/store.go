package sessionstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/danmuck/handshake/internal/observability"
	logs "github.com/danmuck/handshake/internal/logging"
	"golang.org/x/sync/semaphore"
)

// Config sizes the store. Both tables use Rows x Ways.
type Config struct {
	Rows         int
	Ways         int
	LockTimeout  time.Duration
	MaxTicketLen int
}

// DefaultConfig returns an 11 row by 3 way store with a one second lock
// timeout and a 64 KiB ticket limit.
func DefaultConfig() Config {
	return Config{
		Rows:         11,
		Ways:         3,
		LockTimeout:  time.Second,
		MaxTicketLen: 64 * 1024,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Rows == 0 {
		c.Rows = def.Rows
	}
	if c.Ways == 0 {
		c.Ways = def.Ways
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.MaxTicketLen == 0 {
		c.MaxTicketLen = def.MaxTicketLen
	}
	return c
}

// Validate checks that the table shape and limits are within range.
func (c Config) Validate() error {
	if c.Rows <= 0 || c.Rows > 1<<20 {
		return fmt.Errorf("%w: rows=%d", ErrInvalidConfig, c.Rows)
	}
	if c.Ways <= 0 || c.Ways > 1<<10 {
		return fmt.Errorf("%w: ways=%d", ErrInvalidConfig, c.Ways)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("%w: lock_timeout=%v", ErrInvalidConfig, c.LockTimeout)
	}
	if c.MaxTicketLen < 0 {
		return fmt.Errorf("%w: max_ticket_len=%d", ErrInvalidConfig, c.MaxTicketLen)
	}
	return nil
}

// Hasher places keys into buckets.
type Hasher func(b []byte) uint32

// XXHash is the default Hasher.
func XXHash(b []byte) uint32 {
	return uint32(xxhash.Sum64(b))
}

// Option customizes a Store built by New.
type Option func(*Store)

// WithClock replaces the wall clock used for expiry and creation times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithHasher replaces the function that maps session ids to rows.
func WithHasher(h Hasher) Option {
	return func(s *Store) {
		s.hash = h
	}
}

// WithAllocator overrides the buffer source for owned tickets.
func WithAllocator(a Allocator) Option {
	return func(s *Store) {
		s.alloc = a
	}
}

type slot struct {
	used bool
	gen  uint64
	rec  Record
}

type row struct {
	next  int
	total uint64
	ways  []slot
}

type peerRef struct {
	used bool
	row  uint32
	way  uint32
}

type peerRow struct {
	next  int
	total uint64
	ways  []peerRef
}

type slotRef struct {
	row int
	way int
	gen uint64
}

// Store is the fixed-capacity session cache. The zero value is not usable;
// construct with New.
type Store struct {
	cfg   Config
	lock  *semaphore.Weighted
	hash  Hasher
	now   func() time.Time
	alloc Allocator

	// guarded by lock
	rows     []row
	peerRows []peerRow
	genSeq   uint64
	epoch    uint64
}

// New validates cfg and allocates the session and peer tables.
func New(cfg Config, opts ...Option) (*Store, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		cfg:  cfg,
		lock: semaphore.NewWeighted(1),
		hash: XXHash,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.alloc == nil {
		s.alloc = LimitAllocator(cfg.MaxTicketLen)
	}
	s.rows, s.peerRows = newTables(cfg)
	return s, nil
}

func newTables(cfg Config) ([]row, []peerRow) {
	rows := make([]row, cfg.Rows)
	for i := range rows {
		rows[i].ways = make([]slot, cfg.Ways)
	}
	peerRows := make([]peerRow, cfg.Rows)
	for i := range peerRows {
		peerRows[i].ways = make([]peerRef, cfg.Ways)
	}
	return rows, peerRows
}

// Config returns the shape the store was built with.
func (s *Store) Config() Config {
	return s.cfg
}

// Capacity is rows x ways; it never changes.
func (s *Store) Capacity() int {
	return s.cfg.Rows * s.cfg.Ways
}

func (s *Store) acquire(ctx context.Context) error {
	if s.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.LockTimeout)
		defer cancel()
	}
	if err := s.lock.Acquire(ctx, 1); err != nil {
		observability.RecordStoreLockFailure()
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return nil
}

func (s *Store) release() {
	s.lock.Release(1)
}

func (s *Store) bucket(key []byte) int {
	return int(s.hash(key) % uint32(s.cfg.Rows))
}

// Put caches rec under id, overwriting the bucket's oldest way. A ticket that
// cannot be allocated is dropped from the cached copy; the put still succeeds.
// A non-empty peerKey also registers the slot in the peer-key table.
func (s *Store) Put(ctx context.Context, id SessionID, rec *Record, peerKey []byte) error {
	staged, degraded := s.stage(id, rec, peerKey)
	b := s.bucket(id[:])
	var key []byte
	if len(peerKey) > 0 {
		key = NormalizePeerKey(peerKey)
	}
	var pb int
	if key != nil {
		pb = s.bucket(key)
	}

	if err := s.acquire(ctx); err != nil {
		staged.Wipe()
		return err
	}
	r := &s.rows[b]
	way := r.next
	sl := &r.ways[way]
	evicted := sl.used
	sl.rec.Wipe()
	sl.rec = staged
	sl.used = true
	s.genSeq++
	sl.gen = s.genSeq
	r.next = (r.next + 1) % len(r.ways)
	r.total++
	if key != nil {
		pr := &s.peerRows[pb]
		pr.ways[pr.next] = peerRef{used: true, row: uint32(b), way: uint32(way)}
		pr.next = (pr.next + 1) % len(pr.ways)
		pr.total++
	}
	s.epoch++
	s.release()

	observability.RecordStorePut(evicted, degraded)
	if evicted {
		logs.Tracef("sessionstore.Store.Put evicted row=%d way=%d", b, way)
	}
	return nil
}

// stage builds the slot-owned copy of rec before the lock is taken.
func (s *Store) stage(id SessionID, rec *Record, peerKey []byte) (Record, bool) {
	var staged Record
	staged.ID = id
	staged.MasterSecret = rec.MasterSecret
	staged.CreatedAt = rec.CreatedAt
	if staged.CreatedAt == 0 {
		staged.CreatedAt = s.now().Unix()
	}
	staged.Validity = rec.Validity
	staged.Version = rec.Version
	staged.CipherSuite0 = rec.CipherSuite0
	staged.CipherSuite = rec.CipherSuite
	staged.ExtendedMasterSecret = rec.ExtendedMasterSecret
	staged.peerChain = cloneChain(rec.peerChain)
	if len(peerKey) > 0 {
		staged.SetPeerKey(peerKey)
	} else {
		staged.peerKey = rec.peerKey
		staged.peerKeyLen = rec.peerKeyLen
	}
	degraded := false
	if err := staged.ticket.Set(rec.ticket.Bytes(), s.alloc); err != nil {
		logs.Debugf("sessionstore.Store.Put ticket dropped id=%s err=%v", id, err)
		degraded = true
	}
	return staged, degraded
}

// Get returns a detached copy of the freshest record cached under id.
func (s *Store) Get(ctx context.Context, id SessionID) (Record, bool, error) {
	var out Record
	ok, err := s.ResumeInto(ctx, &out, id)
	return out, ok, err
}

// GetByPeerKey returns a detached copy of the freshest record registered for key.
func (s *Store) GetByPeerKey(ctx context.Context, key []byte) (Record, bool, error) {
	var out Record
	ok, err := s.ResumeIntoByPeerKey(ctx, &out, key)
	return out, ok, err
}

// ResumeInto deep-copies the record cached under id into dst. dst is only
// written when the copy completes; a miss returns false with a nil error.
func (s *Store) ResumeInto(ctx context.Context, dst *Record, id SessionID) (bool, error) {
	ok, err := s.copyOut(ctx, dst, func(now int64) (slotRef, bool) {
		return s.findID(id, now)
	})
	observability.RecordStoreLookup("session", lookupResult(ok, err))
	return ok, err
}

// ResumeIntoByPeerKey is ResumeInto keyed by the client-side peer key.
func (s *Store) ResumeIntoByPeerKey(ctx context.Context, dst *Record, key []byte) (bool, error) {
	if len(key) == 0 {
		return false, nil
	}
	key = NormalizePeerKey(key)
	ok, err := s.copyOut(ctx, dst, func(now int64) (slotRef, bool) {
		return s.findPeer(key, now)
	})
	observability.RecordStoreLookup("peer", lookupResult(ok, err))
	return ok, err
}

func lookupResult(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "hit"
	default:
		return "miss"
	}
}

// copyOut locates a slot under the lock and copies it into dst. Records with
// heap-backed parts are copied in two passes: sizes are read locked, buffers
// are allocated unlocked, and the slot generation and sizes are re-validated
// before the copy. Any change in between fails the copy.
func (s *Store) copyOut(ctx context.Context, dst *Record, find func(now int64) (slotRef, bool)) (bool, error) {
	now := s.now().Unix()
	chain := make([]int, MaxChainDepth)
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	ref, ok := find(now)
	if !ok {
		s.release()
		return false, nil
	}
	src := &s.rows[ref.row].ways[ref.way].rec
	if !src.needsHeap() {
		src.copyInto(dst, ownedBuffers{})
		s.release()
		return true, nil
	}
	sizes := ownedSizes{ticket: src.ticket.ownedLen()}
	for i, c := range src.peerChain {
		chain[i] = len(c)
	}
	if len(src.peerChain) > 0 {
		sizes.chain = chain[:len(src.peerChain)]
	}
	s.release()

	bufs, err := sizes.allocate(s.alloc)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTicketAlloc, err)
	}

	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.release()
	sl := &s.rows[ref.row].ways[ref.way]
	if !sl.used || sl.gen != ref.gen || !sizes.matches(&sl.rec) {
		observability.RecordStoreTornRead()
		logs.Warnf("sessionstore.Store.copyOut slot changed row=%d way=%d", ref.row, ref.way)
		return false, ErrRecordChanged
	}
	sl.rec.copyInto(dst, bufs)
	return true, nil
}

// findID scans the bucket from the most recently written way backwards.
func (s *Store) findID(id SessionID, now int64) (slotRef, bool) {
	b := s.bucket(id[:])
	r := &s.rows[b]
	ways := len(r.ways)
	n := ways
	if r.total < uint64(ways) {
		n = int(r.total)
	}
	idx := r.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + ways) % ways
		sl := &r.ways[idx]
		if !sl.used || sl.rec.ID != id {
			continue
		}
		if !sl.rec.freshAt(now) {
			logs.Debugf("sessionstore.Store.findID expired id=%s", id)
			return slotRef{}, false
		}
		return slotRef{row: b, way: idx, gen: sl.gen}, true
	}
	return slotRef{}, false
}

// findPeer is findID over the peer-key table, indirecting into session rows.
func (s *Store) findPeer(key []byte, now int64) (slotRef, bool) {
	pb := s.bucket(key)
	pr := &s.peerRows[pb]
	ways := len(pr.ways)
	n := ways
	if pr.total < uint64(ways) {
		n = int(pr.total)
	}
	idx := pr.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + ways) % ways
		ref := pr.ways[idx]
		if !ref.used {
			continue
		}
		sl := &s.rows[ref.row].ways[ref.way]
		if !sl.used || !sl.rec.peerKeyEquals(key) {
			continue
		}
		if !sl.rec.freshAt(now) {
			return slotRef{}, false
		}
		return slotRef{row: int(ref.row), way: int(ref.way), gen: sl.gen}, true
	}
	return slotRef{}, false
}

// Flush empties every slot that is no longer fresh at now. Cursors and
// lifetime counters are left alone.
func (s *Store) Flush(ctx context.Context, now time.Time) (int, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()
	at := now.Unix()
	flushed := 0
	for i := range s.rows {
		for j := range s.rows[i].ways {
			sl := &s.rows[i].ways[j]
			if !sl.used || sl.rec.freshAt(at) {
				continue
			}
			sl.rec.Wipe()
			sl.used = false
			s.genSeq++
			sl.gen = s.genSeq
			flushed++
		}
	}
	if flushed > 0 {
		s.epoch++
	}
	return flushed, nil
}

// Clear empties both tables and resets cursors and counters.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	for i := range s.rows {
		r := &s.rows[i]
		for j := range r.ways {
			r.ways[j].rec.Wipe()
			r.ways[j].used = false
			r.ways[j].gen = 0
		}
		r.next = 0
		r.total = 0
	}
	for i := range s.peerRows {
		pr := &s.peerRows[i]
		clear(pr.ways)
		pr.next = 0
		pr.total = 0
	}
	s.epoch++
	return nil
}

// RowStats counts slot usage in one row.
type RowStats struct {
	Next  int    `json:"next"`
	Total uint64 `json:"total"`
	Used  int    `json:"used"`
	Fresh int    `json:"fresh"`
}

// Stats summarizes occupancy across both tables.
type Stats struct {
	Rows     int        `json:"rows"`
	Ways     int        `json:"ways"`
	Capacity int        `json:"capacity"`
	Used     int        `json:"used"`
	Fresh    int        `json:"fresh"`
	Total    uint64     `json:"total"`
	Session  []RowStats `json:"session_rows"`
	Peer     []RowStats `json:"peer_rows"`
}

// Stats takes the store lock and counts used slots per row.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	out := Stats{
		Rows:     s.cfg.Rows,
		Ways:     s.cfg.Ways,
		Capacity: s.Capacity(),
		Session:  make([]RowStats, s.cfg.Rows),
		Peer:     make([]RowStats, s.cfg.Rows),
	}
	now := s.now().Unix()
	if err := s.acquire(ctx); err != nil {
		return Stats{}, err
	}
	defer s.release()
	for i := range s.rows {
		r := &s.rows[i]
		rs := RowStats{Next: r.next, Total: r.total}
		for j := range r.ways {
			if !r.ways[j].used {
				continue
			}
			rs.Used++
			if r.ways[j].rec.freshAt(now) {
				rs.Fresh++
			}
		}
		out.Session[i] = rs
		out.Used += rs.Used
		out.Fresh += rs.Fresh
		out.Total += rs.Total
	}
	for i := range s.peerRows {
		pr := &s.peerRows[i]
		rs := RowStats{Next: pr.next, Total: pr.total}
		for _, ref := range pr.ways {
			if ref.used {
				rs.Used++
			}
		}
		out.Peer[i] = rs
	}
	return out, nil
}
