package sessionstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/danmuck/handshake/internal/testutil/testlog"
	"github.com/danmuck/handshake/internal/testutil/tlstest"
	"github.com/google/go-cmp/cmp"
)

// populate writes a mix of inline, owned, chained, and peer-keyed records.
func populate(t *testing.T, s *Store, now int64) []SessionID {
	t.Helper()
	ctx := context.Background()
	ca := tlstest.NewAuthority(t, "snapshot-ca")
	chain := ca.ServerChain(t, "server.example", "server.example")

	var ids []SessionID
	for i := 0; i < 2*s.Capacity(); i++ {
		id := testID(byte(i * 7))
		rec := testRecord(id, now, uint32(600+i))
		switch i % 4 {
		case 1:
			if err := rec.SetTicket(bytes.Repeat([]byte{byte(i)}, 100), nil); err != nil {
				t.Fatalf("SetTicket: %v", err)
			}
		case 2:
			if err := rec.SetTicket(bytes.Repeat([]byte{byte(i)}, 900+i), nil); err != nil {
				t.Fatalf("SetTicket: %v", err)
			}
			rec.SetPeerChain(chain)
		case 3:
			rec.SetPeerChain(chain[:1])
		}
		var peer []byte
		if i%3 == 0 {
			peer = []byte{'p', byte(i)}
		}
		if err := s.Put(ctx, id, rec, peer); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestSnapshotRoundTripIsByteIdentical(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, Config{Rows: 5, Ways: 3}, WithClock(clock.Now))
	ids := populate(t, s, clock.Now().Unix())

	first, err := s.Save(ctx)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	before, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := s.Restore(ctx, first); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	second, err := s.Save(ctx)
	if err != nil {
		t.Fatalf("Save after restore: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("snapshot not byte-identical after restore len=%d/%d", len(first), len(second))
	}
	after, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("stats changed across restore (-before +after):\n%s", diff)
	}

	fresh := newTestStore(t, Config{Rows: 5, Ways: 3}, WithClock(clock.Now))
	if err := fresh.Restore(ctx, first); err != nil {
		t.Fatalf("Restore into fresh store: %v", err)
	}
	for _, id := range ids {
		want, wok, _ := s.Get(ctx, id)
		got, gok, err := fresh.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if wok != gok {
			t.Fatalf("id %s hit mismatch restored=%v original=%v", id, gok, wok)
		}
		if !wok {
			continue
		}
		if diff := cmp.Diff(want, got, cmp.AllowUnexported(Record{}, Ticket{})); diff != "" {
			t.Fatalf("restored record differs (-want +got):\n%s", diff)
		}
	}
}

func TestRestoredPeerChainParses(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, Config{Rows: 2, Ways: 2}, WithClock(clock.Now))

	ca := tlstest.NewAuthority(t, "chain-ca")
	id := testID(0x42)
	rec := testRecord(id, clock.Now().Unix(), 60)
	rec.SetPeerChain(ca.ClientChain(t, "client-1"))
	if err := s.Put(ctx, id, rec, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := s.Save(ctx)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	other := newTestStore(t, Config{Rows: 2, Ways: 2}, WithClock(clock.Now))
	if err := other.Restore(ctx, data); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, ok, err := other.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Get ok=%v err=%v", ok, err)
	}
	certs, err := got.PeerCertificates()
	if err != nil {
		t.Fatalf("PeerCertificates: %v", err)
	}
	if len(certs) != 2 || certs[0].Subject.CommonName != "client-1" {
		t.Fatalf("restored chain got %d certs", len(certs))
	}
}

func TestRestoreRejectsMismatchedHeader(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	clock := newTestClock()

	src := newTestStore(t, Config{Rows: 4, Ways: 2}, WithClock(clock.Now))
	populate(t, src, clock.Now().Unix())
	data, err := src.Save(ctx)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst := newTestStore(t, Config{Rows: 5, Ways: 2}, WithClock(clock.Now))
	id := testID(0xee)
	if err := dst.Put(ctx, id, testRecord(id, clock.Now().Unix(), 60), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	before, _ := dst.Save(ctx)

	if err := dst.Restore(ctx, data); !errors.Is(err, ErrIncompatibleSnapshot) {
		t.Fatalf("Restore err got=%v want=%v", err, ErrIncompatibleSnapshot)
	}

	versioned := append([]byte(nil), before...)
	versioned[3] = 0x7f
	if err := dst.Restore(ctx, versioned); !errors.Is(err, ErrIncompatibleSnapshot) {
		t.Fatalf("Restore version mismatch err got=%v want=%v", err, ErrIncompatibleSnapshot)
	}

	after, _ := dst.Save(ctx)
	if !bytes.Equal(before, after) {
		t.Fatalf("store mutated by rejected restore")
	}
	if _, ok, _ := dst.Get(ctx, id); !ok {
		t.Fatalf("existing record lost after rejected restore")
	}
}

func TestRestoreRejectsCorruptBody(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, Config{Rows: 3, Ways: 2}, WithClock(clock.Now))
	populate(t, s, clock.Now().Unix())
	data, err := s.Save(ctx)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	cases := map[string][]byte{
		"short header": data[:10],
		"truncated":    data[:len(data)-1],
		"trailing":     append(append([]byte(nil), data...), 0x00),
	}
	for name, in := range cases {
		if err := s.Restore(ctx, in); !errors.Is(err, ErrCorruptSnapshot) {
			t.Fatalf("%s: err got=%v want=%v", name, err, ErrCorruptSnapshot)
		}
	}

	again, err := s.Save(ctx)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Fatalf("store mutated by corrupt restore")
	}
}

// ownedTicketSnapshot returns the snapshot of a one-slot store whose slot
// claims an owned ticket of n bytes, with the trailer length but no body.
func ownedTicketSnapshot(t *testing.T, s *Store, n uint32) []byte {
	t.Helper()
	ctx := context.Background()
	rec := testRecord(testID(1), testEpoch.Unix(), 3600)
	if err := s.Put(ctx, rec.ID, rec, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := s.Save(ctx)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	// used, gen, id, secret, created, validity, version, suites, ems
	kindAt := snapshotHeaderLen + rowHeaderLen + 1 + 8 + IDLen + SecretLen + 8 + 4 + 2 + 3
	data[kindAt] = byte(TicketOwned)
	binary.BigEndian.PutUint32(data[kindAt+1:], n)
	return binary.BigEndian.AppendUint32(data, n)
}

func TestRestoreRejectsOversizedTicketWithoutAllocating(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	cases := []struct {
		name string
		cfg  Config
		n    uint32
	}{
		{name: "above max ticket len", cfg: Config{Rows: 1, Ways: 1}, n: 1 << 30},
		{name: "longer than input", cfg: Config{Rows: 1, Ways: 1, MaxTicketLen: 1 << 30}, n: 1 << 29},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t, tc.cfg, WithClock(newTestClock().Now))
			data := ownedTicketSnapshot(t, s, tc.n)

			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			err := s.Restore(ctx, data)
			runtime.ReadMemStats(&after)
			if !errors.Is(err, ErrCorruptSnapshot) {
				t.Fatalf("Restore err got=%v want=%v", err, ErrCorruptSnapshot)
			}
			if grew := after.TotalAlloc - before.TotalAlloc; grew > 1<<20 {
				t.Fatalf("Restore of %d bytes allocated=%d", len(data), grew)
			}
			if _, ok, _ := s.Get(ctx, testID(1)); !ok {
				t.Fatalf("store lost its record after a rejected restore")
			}
		})
	}
}

func TestSnapshotConfigChecksLengthBeforeShape(t *testing.T) {
	testlog.Start(t)
	header := func(rows, ways uint32) []byte {
		b := binary.BigEndian.AppendUint32(nil, SnapshotVersion)
		b = binary.BigEndian.AppendUint32(b, rows)
		b = binary.BigEndian.AppendUint32(b, ways)
		return binary.BigEndian.AppendUint32(b, uint32(RecordSize))
	}

	if _, err := SnapshotConfig(header(1<<14, 1<<8)); !errors.Is(err, ErrCorruptSnapshot) {
		t.Fatalf("header-only err got=%v", err)
	}
	if _, err := SnapshotConfig(header(0, 3)); !errors.Is(err, ErrIncompatibleSnapshot) {
		t.Fatalf("zero rows err got=%v", err)
	}
	if _, err := SnapshotConfig(header(1<<21, 3)); !errors.Is(err, ErrIncompatibleSnapshot) {
		t.Fatalf("oversized rows err got=%v", err)
	}

	// Restore into a matching store rejects the short body before building tables.
	s := newTestStore(t, Config{Rows: 64, Ways: 4})
	if err := s.Restore(context.Background(), header(64, 4)); !errors.Is(err, ErrCorruptSnapshot) {
		t.Fatalf("Restore header-only err got=%v", err)
	}

	src := newTestStore(t, Config{Rows: 5, Ways: 4})
	data, err := src.Save(context.Background())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	cfg, err := SnapshotConfig(data)
	if err != nil {
		t.Fatalf("SnapshotConfig: %v", err)
	}
	if cfg.Rows != 5 || cfg.Ways != 4 {
		t.Fatalf("shape got=%dx%d want=5x4", cfg.Rows, cfg.Ways)
	}
}

func TestSaveFileRestoreFileAndVerify(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	clock := newTestClock()
	cfg := Config{Rows: 3, Ways: 3}
	s := newTestStore(t, cfg, WithClock(clock.Now))
	populate(t, s, clock.Now().Unix())

	path := filepath.Join(t.TempDir(), "sessions.snap")
	if err := s.SaveFile(ctx, path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	h, err := ParseSnapshotHeader(data)
	if err != nil {
		t.Fatalf("ParseSnapshotHeader: %v", err)
	}
	want := SnapshotHeader{Version: SnapshotVersion, Rows: 3, Ways: 3, RecordSize: uint32(RecordSize)}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Fatalf("header (-want +got):\n%s", diff)
	}

	info, err := VerifySnapshot(cfg, data)
	if err != nil {
		t.Fatalf("VerifySnapshot: %v", err)
	}
	st, _ := s.Stats(ctx)
	if info.Used != st.Used || info.Total != st.Total {
		t.Fatalf("verify info got used=%d total=%d want used=%d total=%d", info.Used, info.Total, st.Used, st.Total)
	}
	if _, err := VerifySnapshot(Config{Rows: 4, Ways: 3}, data); !errors.Is(err, ErrIncompatibleSnapshot) {
		t.Fatalf("VerifySnapshot mismatch err got=%v", err)
	}

	restored := newTestStore(t, cfg, WithClock(clock.Now))
	if err := restored.RestoreFile(ctx, path); err != nil {
		t.Fatalf("RestoreFile: %v", err)
	}
	out, err := restored.Save(ctx)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !bytes.Equal(data, out) {
		t.Fatalf("file round trip not byte-identical")
	}
	if err := restored.RestoreFile(ctx, filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("RestoreFile missing err got=%v", err)
	}
}

func TestRestoreKeepsGenerationsMonotonic(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, Config{Rows: 2, Ways: 2}, WithClock(clock.Now))
	populate(t, s, clock.Now().Unix())
	data, err := s.Save(ctx)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh := newTestStore(t, Config{Rows: 2, Ways: 2}, WithClock(clock.Now))
	if err := fresh.Restore(ctx, data); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if fresh.genSeq < s.genSeq {
		t.Fatalf("generation sequence regressed got=%d want>=%d", fresh.genSeq, s.genSeq)
	}
}
