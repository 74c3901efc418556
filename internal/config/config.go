package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/handshake/internal/sessionstore"
	"github.com/pelletier/go-toml/v2"
)

// StoreProfile describes a session store and where its snapshots live.
type StoreProfile struct {
	Name            string     `toml:"name"`
	Rows            int        `toml:"rows"`
	Ways            int        `toml:"ways"`
	LockTimeout     string     `toml:"lock_timeout"`
	MaxTicketLen    int        `toml:"max_ticket_len"`
	SessionValidity string     `toml:"session_validity"`
	Sink            SinkConfig `toml:"sink"`
}

type SinkConfig struct {
	Kind          string `toml:"kind"`
	Path          string `toml:"path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisKey      string `toml:"redis_key"`
	Interval      string `toml:"interval"`
}

const (
	SinkNone  = "none"
	SinkFile  = "file"
	SinkRedis = "redis"
)

func LoadStoreProfile(path string) (StoreProfile, error) {
	var p StoreProfile
	if err := loadToml(path, &p); err != nil {
		return StoreProfile{}, err
	}
	p = p.WithDefaults()
	if err := ValidateStoreProfile(p); err != nil {
		return StoreProfile{}, err
	}
	return p, nil
}

func (p StoreProfile) WithDefaults() StoreProfile {
	if p.Name == "" {
		p.Name = "default"
	}
	def := sessionstore.DefaultConfig()
	if p.Rows == 0 {
		p.Rows = def.Rows
	}
	if p.Ways == 0 {
		p.Ways = def.Ways
	}
	if p.LockTimeout == "" {
		p.LockTimeout = def.LockTimeout.String()
	}
	if p.MaxTicketLen == 0 {
		p.MaxTicketLen = def.MaxTicketLen
	}
	if p.SessionValidity == "" {
		p.SessionValidity = "2h"
	}
	p.Sink.Kind = strings.ToLower(strings.TrimSpace(p.Sink.Kind))
	if p.Sink.Kind == "" {
		p.Sink.Kind = SinkNone
	}
	if p.Sink.Interval == "" {
		p.Sink.Interval = "1m"
	}
	return p
}

func ValidateStoreProfile(p StoreProfile) error {
	if _, err := p.StoreConfig(); err != nil {
		return err
	}
	if _, err := p.Validity(); err != nil {
		return err
	}
	if _, err := p.SnapshotInterval(); err != nil {
		return err
	}
	switch p.Sink.Kind {
	case SinkNone:
	case SinkFile:
		if strings.TrimSpace(p.Sink.Path) == "" {
			return fmt.Errorf("profile %s: file sink requires path", p.Name)
		}
	case SinkRedis:
		if strings.TrimSpace(p.Sink.RedisAddr) == "" {
			return fmt.Errorf("profile %s: redis sink requires redis_addr", p.Name)
		}
	default:
		return fmt.Errorf("profile %s: unknown sink kind %q", p.Name, p.Sink.Kind)
	}
	return nil
}

// StoreConfig converts the profile into a validated sessionstore.Config.
func (p StoreProfile) StoreConfig() (sessionstore.Config, error) {
	timeout, err := time.ParseDuration(p.LockTimeout)
	if err != nil {
		return sessionstore.Config{}, fmt.Errorf("profile %s: lock_timeout: %w", p.Name, err)
	}
	cfg := sessionstore.Config{
		Rows:         p.Rows,
		Ways:         p.Ways,
		LockTimeout:  timeout,
		MaxTicketLen: p.MaxTicketLen,
	}
	if err := cfg.Validate(); err != nil {
		return sessionstore.Config{}, fmt.Errorf("profile %s: %w", p.Name, err)
	}
	return cfg, nil
}

func (p StoreProfile) Validity() (time.Duration, error) {
	d, err := time.ParseDuration(p.SessionValidity)
	if err != nil {
		return 0, fmt.Errorf("profile %s: session_validity: %w", p.Name, err)
	}
	if d < time.Second {
		return 0, fmt.Errorf("profile %s: session_validity %s below 1s", p.Name, d)
	}
	return d, nil
}

func (p StoreProfile) SnapshotInterval() (time.Duration, error) {
	d, err := time.ParseDuration(p.Sink.Interval)
	if err != nil {
		return 0, fmt.Errorf("profile %s: sink.interval: %w", p.Name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("profile %s: sink.interval must be positive", p.Name)
	}
	return d, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
