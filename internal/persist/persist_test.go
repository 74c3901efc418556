package persist

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/handshake/internal/sessionstore"
	"github.com/danmuck/handshake/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func fastBackoff(attempts int) BackoffConfig {
	return BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, Attempts: attempts}
}

// flakySink fails the first n calls of each operation.
type flakySink struct {
	failures int
	saves    int
	loads    int
	data     []byte
}

var errFlaky = errors.New("flaky sink")

func (f *flakySink) Name() string { return "flaky" }

func (f *flakySink) Save(_ context.Context, data []byte) error {
	f.saves++
	if f.saves <= f.failures {
		return errFlaky
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func (f *flakySink) Load(_ context.Context) ([]byte, error) {
	f.loads++
	if f.loads <= f.failures {
		return nil, errFlaky
	}
	if f.data == nil {
		return nil, ErrNoSnapshot
	}
	return f.data, nil
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	if got := NextBackoffDelay(cfg, 2, rng); got < 250*time.Millisecond || got > 750*time.Millisecond {
		t.Fatalf("jittered attempt2 got=%v", got)
	}
}

func TestRetryStopsOnSuccessAndExhaustion(t *testing.T) {
	testlog.Start(t)
	calls := 0
	err := Retry(context.Background(), fastBackoff(3), "test", func(context.Context) error {
		calls++
		if calls < 2 {
			return errFlaky
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("Retry err=%v calls=%d", err, calls)
	}

	calls = 0
	err = Retry(context.Background(), fastBackoff(3), "test", func(context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) || calls != 3 {
		t.Fatalf("Retry err=%v calls=%d", err, calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Retry(ctx, BackoffConfig{InitialDelay: time.Hour, Attempts: 2}, "test", func(context.Context) error {
		return errFlaky
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry with canceled ctx err=%v", err)
	}
}

func TestFileSinkRoundTrip(t *testing.T) {
	testlog.Start(t)
	sink := NewFileSink(filepath.Join(t.TempDir(), "snap", "store.bin"))
	if _, err := sink.Load(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("Load missing err=%v", err)
	}
	if err := sink.Save(context.Background(), []byte("snapshot")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := sink.Load(context.Background())
	if err != nil || string(got) != "snapshot" {
		t.Fatalf("Load got=%q err=%v", got, err)
	}
}

func populatedStore(t *testing.T) *sessionstore.Store {
	t.Helper()
	s, err := sessionstore.New(sessionstore.DefaultConfig())
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}
	for i := 0; i < 5; i++ {
		var id sessionstore.SessionID
		id[0] = byte(i + 1)
		rec := &sessionstore.Record{ID: id, Validity: 3600}
		rec.MasterSecret[0] = byte(i)
		if err := rec.SetTicket(make([]byte, 100*i+1), nil); err != nil {
			t.Fatalf("SetTicket: %v", err)
		}
		if err := s.Put(context.Background(), id, rec, []byte{byte(i)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	return s
}

func TestSaveAndRestoreStoreThroughSink(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	src := populatedStore(t)
	sink := &flakySink{failures: 2}
	if err := SaveStore(ctx, src, sink, fastBackoff(3)); err != nil {
		t.Fatalf("SaveStore: %v", err)
	}
	if sink.saves != 3 {
		t.Fatalf("saves got=%d want=3", sink.saves)
	}

	dst, err := sessionstore.New(sessionstore.DefaultConfig())
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}
	if err := RestoreStore(ctx, dst, sink, fastBackoff(3)); err != nil {
		t.Fatalf("RestoreStore: %v", err)
	}
	want, _ := src.Stats(ctx)
	got, _ := dst.Stats(ctx)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("restored stats (-want +got):\n%s", diff)
	}
}

func TestRestoreStoreMissingAndIncompatible(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	dst, err := sessionstore.New(sessionstore.DefaultConfig())
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}
	if err := RestoreStore(ctx, dst, &flakySink{}, fastBackoff(1)); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("RestoreStore empty err=%v", err)
	}

	other, err := sessionstore.New(sessionstore.Config{Rows: 7, Ways: 2})
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}
	sink := NewFileSink(filepath.Join(t.TempDir(), "store.bin"))
	if err := SaveStore(ctx, other, sink, fastBackoff(1)); err != nil {
		t.Fatalf("SaveStore: %v", err)
	}
	if err := RestoreStore(ctx, dst, sink, fastBackoff(1)); !errors.Is(err, sessionstore.ErrIncompatibleSnapshot) {
		t.Fatalf("RestoreStore mismatch err=%v", err)
	}
}

func TestRedisSinkReportsUnreachableServer(t *testing.T) {
	testlog.Start(t)
	sink := NewRedisSink(RedisConfig{Addr: "127.0.0.1:1"})
	defer sink.Close()
	if sink.Key() != DefaultRedisKey || sink.Name() != "redis" {
		t.Fatalf("sink key=%q name=%q", sink.Key(), sink.Name())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sink.Save(ctx, []byte("x")); err == nil {
		t.Fatalf("Save against closed port succeeded")
	}
	if _, err := sink.Load(ctx); err == nil || errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("Load against closed port err=%v", err)
	}
}
