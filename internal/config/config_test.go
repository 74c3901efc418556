package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/handshake/internal/sessionstore"
	"github.com/danmuck/handshake/internal/testutil/testlog"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoadStoreProfileDefaults(t *testing.T) {
	testlog.Start(t)
	p, err := LoadStoreProfile(writeProfile(t, `name = "edge"`))
	if err != nil {
		t.Fatalf("LoadStoreProfile: %v", err)
	}
	cfg, err := p.StoreConfig()
	if err != nil {
		t.Fatalf("StoreConfig: %v", err)
	}
	if cfg != sessionstore.DefaultConfig() {
		t.Fatalf("store config got=%+v want=%+v", cfg, sessionstore.DefaultConfig())
	}
	if v, _ := p.Validity(); v != 2*time.Hour {
		t.Fatalf("validity got=%v", v)
	}
	if p.Sink.Kind != SinkNone {
		t.Fatalf("sink kind got=%q", p.Sink.Kind)
	}
}

func TestLoadStoreProfileTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "store.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("WriteTemplate overwrote without permission")
	}
	p, err := LoadStoreProfile(path)
	if err != nil {
		t.Fatalf("LoadStoreProfile: %v", err)
	}
	if p.Sink.Kind != SinkFile || p.Sink.Path == "" {
		t.Fatalf("sink got=%+v", p.Sink)
	}
	if d, _ := p.SnapshotInterval(); d != time.Minute {
		t.Fatalf("interval got=%v", d)
	}
}

func TestLoadStoreProfileRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		body string
	}{
		{name: "bad lock timeout", body: `lock_timeout = "soon"`},
		{name: "negative ways", body: `ways = -1`},
		{name: "short validity", body: `session_validity = "10ms"`},
		{name: "file sink without path", body: "[sink]\nkind = \"file\""},
		{name: "redis sink without addr", body: "[sink]\nkind = \"redis\""},
		{name: "unknown sink", body: "[sink]\nkind = \"s3\""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadStoreProfile(writeProfile(t, tc.body)); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}

	_, err := LoadStoreProfile(writeProfile(t, `rows = 0
ways = 100000`))
	if !errors.Is(err, sessionstore.ErrInvalidConfig) {
		t.Fatalf("oversized ways err=%v", err)
	}
}
