package sessionstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	logs "github.com/danmuck/handshake/internal/logging"
	"golang.org/x/crypto/cryptobyte"
)

// SnapshotVersion identifies the layout written by Save.
const SnapshotVersion uint32 = 1

const (
	snapshotHeaderLen = 16
	rowHeaderLen      = 4 + 8
	peerRefLen        = 1 + 4 + 4
	saveAttempts      = 4
)

// RecordSize is the fixed encoded size of one session slot.
var RecordSize = func() int {
	var sl slot
	b := cryptobyte.NewBuilder(nil)
	encodeSlot(b, &sl)
	return len(b.BytesOrPanic())
}()

// SnapshotHeader is the fixed prefix of a snapshot.
type SnapshotHeader struct {
	Version    uint32
	Rows       uint32
	Ways       uint32
	RecordSize uint32
}

// SnapshotInfo summarizes a decoded snapshot.
type SnapshotInfo struct {
	Header      SnapshotHeader
	Used        int
	OwnedTicket int
	PeerRefs    int
	Total       uint64
}

// ParseSnapshotHeader reads only the fixed header.
func ParseSnapshotHeader(data []byte) (SnapshotHeader, error) {
	in := cryptobyte.String(data)
	var h SnapshotHeader
	if !in.ReadUint32(&h.Version) || !in.ReadUint32(&h.Rows) ||
		!in.ReadUint32(&h.Ways) || !in.ReadUint32(&h.RecordSize) {
		return SnapshotHeader{}, fmt.Errorf("%w: short header", ErrCorruptSnapshot)
	}
	return h, nil
}

// SnapshotConfig derives the store shape a snapshot was written by and
// checks that data is long enough to hold it, without allocating tables.
// MaxTicketLen is the default; the header does not carry it.
func SnapshotConfig(data []byte) (Config, error) {
	h, err := ParseSnapshotHeader(data)
	if err != nil {
		return Config{}, err
	}
	if h.Version != SnapshotVersion || h.RecordSize != uint32(RecordSize) {
		return Config{}, fmt.Errorf("%w: header %+v", ErrIncompatibleSnapshot, h)
	}
	def := DefaultConfig()
	cfg := Config{
		Rows:         int(h.Rows),
		Ways:         int(h.Ways),
		LockTimeout:  def.LockTimeout,
		MaxTicketLen: def.MaxTicketLen,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrIncompatibleSnapshot, err)
	}
	if len(data) < cfg.fixedSnapshotLen() {
		return Config{}, fmt.Errorf("%w: %d bytes, shape needs %d", ErrCorruptSnapshot, len(data), cfg.fixedSnapshotLen())
	}
	return cfg, nil
}

func (c Config) snapshotHeader() SnapshotHeader {
	return SnapshotHeader{
		Version:    SnapshotVersion,
		Rows:       uint32(c.Rows),
		Ways:       uint32(c.Ways),
		RecordSize: uint32(RecordSize),
	}
}

func (c Config) fixedSnapshotLen() int {
	return snapshotHeaderLen +
		c.Rows*(rowHeaderLen+c.Ways*RecordSize) +
		c.Rows*(rowHeaderLen+c.Ways*peerRefLen)
}

// Save serializes both tables. The output buffer is sized and allocated
// outside the lock; if the store changes in between, sizing is retried.
func (s *Store) Save(ctx context.Context) ([]byte, error) {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if err := s.acquire(ctx); err != nil {
			return nil, err
		}
		epoch := s.epoch
		trailer := s.trailerLenLocked()
		s.release()

		buf := make([]byte, 0, s.cfg.fixedSnapshotLen()+trailer)

		if err := s.acquire(ctx); err != nil {
			return nil, err
		}
		if s.epoch != epoch {
			s.release()
			continue
		}
		b := cryptobyte.NewFixedBuilder(buf)
		s.encodeLocked(b)
		s.release()
		return b.Bytes()
	}
	return nil, ErrSnapshotBusy
}

func (s *Store) trailerLenLocked() int {
	n := 0
	for i := range s.rows {
		for j := range s.rows[i].ways {
			rec := &s.rows[i].ways[j].rec
			if t := rec.ticket.ownedLen(); t > 0 {
				n += 4 + t
			}
			for _, c := range rec.peerChain {
				n += 3 + len(c)
			}
		}
	}
	return n
}

func (s *Store) encodeLocked(b *cryptobyte.Builder) {
	h := s.cfg.snapshotHeader()
	b.AddUint32(h.Version)
	b.AddUint32(h.Rows)
	b.AddUint32(h.Ways)
	b.AddUint32(h.RecordSize)
	for i := range s.rows {
		r := &s.rows[i]
		b.AddUint32(uint32(r.next))
		b.AddUint64(r.total)
		for j := range r.ways {
			encodeSlot(b, &r.ways[j])
		}
	}
	for i := range s.peerRows {
		pr := &s.peerRows[i]
		b.AddUint32(uint32(pr.next))
		b.AddUint64(pr.total)
		for _, ref := range pr.ways {
			b.AddUint8(boolByte(ref.used))
			b.AddUint32(ref.row)
			b.AddUint32(ref.way)
		}
	}
	for i := range s.rows {
		for j := range s.rows[i].ways {
			rec := &s.rows[i].ways[j].rec
			if rec.ticket.kind == TicketOwned {
				b.AddUint32(uint32(len(rec.ticket.owned)))
				b.AddBytes(rec.ticket.owned)
			}
			for _, c := range rec.peerChain {
				b.AddUint24(uint32(len(c)))
				b.AddBytes(c)
			}
		}
	}
}

func encodeSlot(b *cryptobyte.Builder, sl *slot) {
	rec := &sl.rec
	b.AddUint8(boolByte(sl.used))
	b.AddUint64(sl.gen)
	b.AddBytes(rec.ID[:])
	b.AddBytes(rec.MasterSecret[:])
	b.AddUint64(uint64(rec.CreatedAt))
	b.AddUint32(rec.Validity)
	b.AddUint16(rec.Version)
	b.AddUint8(rec.CipherSuite0)
	b.AddUint8(rec.CipherSuite)
	b.AddUint8(boolByte(rec.ExtendedMasterSecret))
	b.AddUint8(uint8(rec.ticket.kind))
	b.AddUint32(uint32(rec.ticket.Len()))
	b.AddBytes(rec.ticket.inline[:])
	b.AddUint8(uint8(len(rec.peerChain)))
	b.AddUint8(rec.peerKeyLen)
	b.AddBytes(rec.peerKey[:])
}

// Restore replaces both tables with a snapshot taken by a store of the same
// shape. The snapshot is fully decoded before the lock is taken; on any
// error the store is left untouched.
func (s *Store) Restore(ctx context.Context, data []byte) error {
	dec, err := decodeSnapshot(s.cfg, data)
	if err != nil {
		logs.Warnf("sessionstore.Store.Restore rejected err=%v", err)
		return err
	}
	if err := s.acquire(ctx); err != nil {
		dec.wipe()
		return err
	}
	old := decodedSnapshot{rows: s.rows, peerRows: s.peerRows}
	s.rows = dec.rows
	s.peerRows = dec.peerRows
	if dec.maxGen > s.genSeq {
		s.genSeq = dec.maxGen
	}
	s.epoch++
	s.release()
	old.wipe()
	return nil
}

// VerifySnapshot decodes data against cfg without touching any store.
func VerifySnapshot(cfg Config, data []byte) (SnapshotInfo, error) {
	cfg = cfg.WithDefaults()
	dec, err := decodeSnapshot(cfg, data)
	if err != nil {
		return SnapshotInfo{}, err
	}
	defer dec.wipe()
	info := SnapshotInfo{Header: cfg.snapshotHeader()}
	for i := range dec.rows {
		info.Total += dec.rows[i].total
		for j := range dec.rows[i].ways {
			sl := &dec.rows[i].ways[j]
			if !sl.used {
				continue
			}
			info.Used++
			if sl.rec.ticket.kind == TicketOwned {
				info.OwnedTicket++
			}
		}
	}
	for i := range dec.peerRows {
		for _, ref := range dec.peerRows[i].ways {
			if ref.used {
				info.PeerRefs++
			}
		}
	}
	return info, nil
}

type decodedSnapshot struct {
	rows     []row
	peerRows []peerRow
	maxGen   uint64
}

func (d decodedSnapshot) wipe() {
	for i := range d.rows {
		for j := range d.rows[i].ways {
			d.rows[i].ways[j].rec.Wipe()
		}
	}
}

func decodeSnapshot(cfg Config, data []byte) (decodedSnapshot, error) {
	h, err := ParseSnapshotHeader(data)
	if err != nil {
		return decodedSnapshot{}, err
	}
	if want := cfg.snapshotHeader(); h != want {
		return decodedSnapshot{}, fmt.Errorf("%w: got %+v want %+v", ErrIncompatibleSnapshot, h, want)
	}
	if len(data) < cfg.fixedSnapshotLen() {
		return decodedSnapshot{}, fmt.Errorf("%w: %d bytes, shape needs %d", ErrCorruptSnapshot, len(data), cfg.fixedSnapshotLen())
	}
	in := cryptobyte.String(data[snapshotHeaderLen:])
	dec := decodedSnapshot{}
	dec.rows, dec.peerRows = newTables(cfg)
	fail := func(format string, args ...any) (decodedSnapshot, error) {
		dec.wipe()
		return decodedSnapshot{}, fmt.Errorf("%w: "+format, append([]any{ErrCorruptSnapshot}, args...)...)
	}

	type owned struct {
		chain  uint8
		ticket uint32
	}
	pending := make([][]owned, cfg.Rows)
	for i := range dec.rows {
		r := &dec.rows[i]
		var next uint32
		if !in.ReadUint32(&next) || !in.ReadUint64(&r.total) {
			return fail("row %d header", i)
		}
		if int(next) >= cfg.Ways {
			return fail("row %d cursor %d", i, next)
		}
		r.next = int(next)
		pending[i] = make([]owned, cfg.Ways)
		for j := range r.ways {
			chain, ticket, ok := decodeSlot(&in, &r.ways[j], cfg.MaxTicketLen)
			if !ok {
				return fail("row %d way %d", i, j)
			}
			pending[i][j] = owned{chain: chain, ticket: ticket}
			if r.ways[j].gen > dec.maxGen {
				dec.maxGen = r.ways[j].gen
			}
		}
	}
	for i := range dec.peerRows {
		pr := &dec.peerRows[i]
		var next uint32
		if !in.ReadUint32(&next) || !in.ReadUint64(&pr.total) {
			return fail("peer row %d header", i)
		}
		if int(next) >= cfg.Ways {
			return fail("peer row %d cursor %d", i, next)
		}
		pr.next = int(next)
		for j := range pr.ways {
			var used uint8
			ref := &pr.ways[j]
			if !in.ReadUint8(&used) || !in.ReadUint32(&ref.row) || !in.ReadUint32(&ref.way) {
				return fail("peer row %d way %d", i, j)
			}
			ref.used = used == 1
			if int(ref.row) >= cfg.Rows || int(ref.way) >= cfg.Ways {
				return fail("peer row %d way %d points outside table", i, j)
			}
		}
	}
	for i := range dec.rows {
		for j := range dec.rows[i].ways {
			rec := &dec.rows[i].ways[j].rec
			want := pending[i][j]
			if rec.ticket.kind == TicketOwned {
				var n uint32
				if !in.ReadUint32(&n) || n != want.ticket {
					return fail("row %d way %d ticket length", i, j)
				}
				if int(n) > len(in) {
					return fail("row %d way %d ticket body", i, j)
				}
				buf := make([]byte, n)
				if !in.CopyBytes(buf) {
					return fail("row %d way %d ticket body", i, j)
				}
				rec.ticket.owned = buf
			}
			if count := want.chain; count > 0 {
				rec.peerChain = make([][]byte, count)
				for k := range rec.peerChain {
					var cert cryptobyte.String
					if !in.ReadUint24LengthPrefixed(&cert) {
						return fail("row %d way %d cert %d", i, j, k)
					}
					rec.peerChain[k] = append([]byte(nil), cert...)
				}
			}
		}
	}
	if !in.Empty() {
		return fail("%d trailing bytes", len(in))
	}
	return dec, nil
}

// decodeSlot reads one fixed-size slot and returns the sizes of the owned
// buffers that follow in the trailer. Owned tickets above maxTicket are
// rejected, as Put would never have stored them.
func decodeSlot(in *cryptobyte.String, sl *slot, maxTicket int) (uint8, uint32, bool) {
	rec := &sl.rec
	var (
		used, ems, kind, chainCount uint8
		created                     uint64
		ticketLen                   uint32
	)
	if !in.ReadUint8(&used) || !in.ReadUint64(&sl.gen) ||
		!in.CopyBytes(rec.ID[:]) || !in.CopyBytes(rec.MasterSecret[:]) ||
		!in.ReadUint64(&created) || !in.ReadUint32(&rec.Validity) ||
		!in.ReadUint16(&rec.Version) || !in.ReadUint8(&rec.CipherSuite0) ||
		!in.ReadUint8(&rec.CipherSuite) || !in.ReadUint8(&ems) ||
		!in.ReadUint8(&kind) || !in.ReadUint32(&ticketLen) ||
		!in.CopyBytes(rec.ticket.inline[:]) || !in.ReadUint8(&chainCount) ||
		!in.ReadUint8(&rec.peerKeyLen) || !in.CopyBytes(rec.peerKey[:]) {
		return 0, 0, false
	}
	sl.used = used == 1
	rec.CreatedAt = int64(created)
	rec.ExtendedMasterSecret = ems == 1
	if rec.peerKeyLen > MaxPeerKeyLen || chainCount > MaxChainDepth {
		return 0, 0, false
	}
	var ownedTicket uint32
	switch TicketKind(kind) {
	case TicketNone:
		if ticketLen != 0 {
			return 0, 0, false
		}
	case TicketInline:
		if ticketLen > InlineTicketLen {
			return 0, 0, false
		}
		rec.ticket.n = uint16(ticketLen)
	case TicketOwned:
		if ticketLen <= InlineTicketLen || int64(ticketLen) > int64(maxTicket) {
			return 0, 0, false
		}
		ownedTicket = ticketLen
	default:
		return 0, 0, false
	}
	rec.ticket.kind = TicketKind(kind)
	return chainCount, ownedTicket, true
}

// SaveFile writes a snapshot atomically via a temp file and rename.
func (s *Store) SaveFile(ctx context.Context, path string) error {
	data, err := s.Save(ctx)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("sessionstore: save %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("sessionstore: save %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("sessionstore: save %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("sessionstore: save %s: %w", path, err)
	}
	return nil
}

// RestoreFile reads a snapshot written by SaveFile and restores it.
func (s *Store) RestoreFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("sessionstore: restore %s: %w", path, err)
	}
	return s.Restore(ctx, data)
}

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
