package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/handshake/internal/config"
	"github.com/danmuck/handshake/internal/handshake"
	"github.com/danmuck/handshake/internal/service"
)

type fileConfig struct {
	ID            string   `toml:"id"`
	StoreProfile  string   `toml:"store_profile"`
	Clients       int      `toml:"clients"`
	Rounds        int      `toml:"rounds"`
	RoundInterval string   `toml:"round_interval"`
	Transport     string   `toml:"transport"`
	VerifyPeer    bool     `toml:"verify_peer"`
	SendTicket    bool     `toml:"send_ticket"`
	TicketLen     int      `toml:"ticket_len"`
	AdminListen   string   `toml:"admin_listen"`
	AdminToken    string   `toml:"admin_token"`
	CORSOrigins   []string `toml:"cors_origins"`
}

func loadServiceConfig(path string) (service.ServiceConfig, error) {
	cfg := service.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return service.ServiceConfig{}, fmt.Errorf("load handshakectl config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.NodeID = id
		}
	}

	if meta.IsDefined("store_profile") {
		profilePath := strings.TrimSpace(raw.StoreProfile)
		if !filepath.IsAbs(profilePath) {
			profilePath = filepath.Join(filepath.Dir(path), profilePath)
		}
		p, err := config.LoadStoreProfile(profilePath)
		if err != nil {
			return service.ServiceConfig{}, err
		}
		cfg.Profile = p
	}

	if meta.IsDefined("clients") {
		cfg.Workload.Clients = raw.Clients
	}

	if meta.IsDefined("rounds") {
		cfg.Workload.Rounds = raw.Rounds
	}

	if meta.IsDefined("round_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RoundInterval))
		if err != nil {
			return service.ServiceConfig{}, fmt.Errorf("parse round_interval: %w", err)
		}
		cfg.Workload.RoundInterval = d
	}

	if meta.IsDefined("transport") {
		tr, err := handshake.ParseTransport(raw.Transport)
		if err != nil {
			return service.ServiceConfig{}, err
		}
		cfg.Workload.Transport = tr
	}

	if meta.IsDefined("verify_peer") {
		cfg.Workload.VerifyPeer = raw.VerifyPeer
	}

	if meta.IsDefined("send_ticket") {
		cfg.Workload.SendTicket = raw.SendTicket
	}

	if meta.IsDefined("ticket_len") {
		cfg.Workload.TicketLen = raw.TicketLen
	}

	if meta.IsDefined("admin_listen") {
		cfg.Admin.ListenAddr = strings.TrimSpace(raw.AdminListen)
	}

	if meta.IsDefined("admin_token") {
		cfg.Admin.Token = strings.TrimSpace(raw.AdminToken)
	}

	if meta.IsDefined("cors_origins") {
		cfg.Admin.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}

	return cfg, cfg.Validate()
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}
