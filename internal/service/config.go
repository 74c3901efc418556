package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/handshake/internal/config"
	"github.com/danmuck/handshake/internal/handshake"
	"github.com/danmuck/handshake/internal/persist"
)

var (
	ErrInvalidWorkload = errors.New("service: invalid workload")
	ErrInvalidInterval = errors.New("service: invalid snapshot interval")
)

type WorkloadConfig struct {
	Clients int
	// Rounds per client; every round after the first reconnects with the
	// client's peer key and should resume.
	Rounds        int
	RoundInterval time.Duration
	Transport     handshake.Transport
	VerifyPeer    bool
	SendTicket    bool
	TicketLen     int
}

type AdminConfig struct {
	ListenAddr  string
	CORSOrigins []string
	Token       string
}

// ServiceConfig configures the standalone runtime.
type ServiceConfig struct {
	NodeID   string
	Profile  config.StoreProfile
	Workload WorkloadConfig
	Admin    AdminConfig
	Backoff  persist.BackoffConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		NodeID:  "handshake.local",
		Profile: config.StoreProfile{}.WithDefaults(),
		Workload: WorkloadConfig{
			Clients:       4,
			Rounds:        3,
			RoundInterval: 100 * time.Millisecond,
			Transport:     handshake.TransportStream,
			SendTicket:    true,
			TicketLen:     160,
		},
		Backoff: persist.DefaultBackoff(),
	}
}

func (c ServiceConfig) Validate() error {
	if err := config.ValidateStoreProfile(c.Profile); err != nil {
		return err
	}
	if c.Workload.Clients < 0 || c.Workload.Rounds < 0 {
		return fmt.Errorf("%w: clients=%d rounds=%d", ErrInvalidWorkload, c.Workload.Clients, c.Workload.Rounds)
	}
	if c.Workload.RoundInterval < 0 {
		return fmt.Errorf("%w: round interval %v", ErrInvalidWorkload, c.Workload.RoundInterval)
	}
	if c.Workload.TicketLen < 0 {
		return fmt.Errorf("%w: ticket len %d", ErrInvalidWorkload, c.Workload.TicketLen)
	}
	if c.Workload.Transport > handshake.TransportDatagram {
		return fmt.Errorf("%w: transport %d", ErrInvalidWorkload, c.Workload.Transport)
	}
	return nil
}
