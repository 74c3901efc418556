package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logs "github.com/danmuck/handshake/internal/logging"
	"github.com/danmuck/handshake/internal/observability"
	"github.com/danmuck/handshake/internal/sessionstore"
)

var ErrNoSnapshot = errors.New("persist: no snapshot")

// Sink stores one snapshot blob.
type Sink interface {
	Name() string
	Save(ctx context.Context, data []byte) error
	// Load returns ErrNoSnapshot when nothing has been saved.
	Load(ctx context.Context) ([]byte, error)
}

// FileSink keeps the snapshot in a single file, replaced atomically.
type FileSink struct {
	Path string
}

func NewFileSink(path string) *FileSink {
	return &FileSink{Path: path}
}

func (f *FileSink) Name() string {
	return "file"
}

func (f *FileSink) Save(_ context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("persist: file sink %s: %w", f.Path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".tmp*")
	if err != nil {
		return fmt.Errorf("persist: file sink %s: %w", f.Path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("persist: file sink %s: %w", f.Path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("persist: file sink %s: %w", f.Path, err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("persist: file sink %s: %w", f.Path, err)
	}
	return nil
}

func (f *FileSink) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("persist: file sink %s: %w", f.Path, err)
	}
	return data, nil
}

// SaveStore snapshots store into sink, retrying sink writes with backoff.
func SaveStore(ctx context.Context, store *sessionstore.Store, sink Sink, backoff BackoffConfig) error {
	start := time.Now()
	data, err := store.Save(ctx)
	if err == nil {
		err = Retry(ctx, backoff, "save."+sink.Name(), func(ctx context.Context) error {
			return sink.Save(ctx, data)
		})
	}
	observability.RecordSnapshot(sink.Name(), "save", err == nil, time.Since(start))
	if err != nil {
		logs.Warnf("persist.SaveStore sink=%s err=%v", sink.Name(), err)
		return err
	}
	logs.Debugf("persist.SaveStore sink=%s bytes=%d", sink.Name(), len(data))
	return nil
}

// RestoreStore loads the sink's snapshot into store. A missing snapshot is
// reported as ErrNoSnapshot and leaves store unchanged, as does any rejected
// snapshot.
func RestoreStore(ctx context.Context, store *sessionstore.Store, sink Sink, backoff BackoffConfig) error {
	start := time.Now()
	var data []byte
	err := Retry(ctx, backoff, "load."+sink.Name(), func(ctx context.Context) error {
		var lerr error
		data, lerr = sink.Load(ctx)
		if errors.Is(lerr, ErrNoSnapshot) {
			return nil
		}
		return lerr
	})
	if err == nil && data == nil {
		err = ErrNoSnapshot
	}
	if err == nil {
		err = store.Restore(ctx, data)
	}
	observability.RecordSnapshot(sink.Name(), "restore", err == nil, time.Since(start))
	if err != nil {
		if !errors.Is(err, ErrNoSnapshot) {
			logs.Warnf("persist.RestoreStore sink=%s err=%v", sink.Name(), err)
		}
		return err
	}
	logs.Infof("persist.RestoreStore sink=%s bytes=%d", sink.Name(), len(data))
	return nil
}
