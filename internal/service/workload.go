package service

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/handshake/internal/handshake"
	logs "github.com/danmuck/handshake/internal/logging"
	"github.com/danmuck/handshake/internal/loopback"
	"golang.org/x/sync/errgroup"
)

// RunWorkload drives Clients concurrent clients through Rounds handshakes
// each over loopback pairs. Client and server share the service store, so
// every client's later rounds resume through its peer key.
func (s *Service) RunWorkload(ctx context.Context) error {
	w := s.cfg.Workload
	if w.Clients == 0 || w.Rounds == 0 {
		return nil
	}
	validity, err := s.cfg.Profile.Validity()
	if err != nil {
		return err
	}
	cd, err := s.newDriver(handshake.RoleClient, validity)
	if err != nil {
		return err
	}
	sd, err := s.newDriver(handshake.RoleServer, validity)
	if err != nil {
		return err
	}
	lcfg := loopback.DefaultConfig()
	lcfg.TicketLen = w.TicketLen

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.Clients; i++ {
		key := []byte(fmt.Sprintf("%s/client-%d", s.cfg.NodeID, i))
		g.Go(func() error {
			for round := 0; round < w.Rounds; round++ {
				if round > 0 && w.RoundInterval > 0 {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-time.After(w.RoundInterval):
					}
				}
				if err := s.connectOnce(gctx, cd, sd, lcfg, key); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) newDriver(role handshake.Role, validity time.Duration) (*handshake.Driver, error) {
	w := s.cfg.Workload
	cfg := handshake.DefaultConfig()
	cfg.Transport = w.Transport
	cfg.SessionValidity = validity
	cfg.Store = s.store
	if role == handshake.RoleServer {
		cfg.VerifyPeer = w.VerifyPeer
		cfg.SendTicket = w.SendTicket
		cfg.HelloVerify = w.Transport == handshake.TransportDatagram
	}
	return handshake.NewDriver(cfg)
}

// connectOnce runs one handshake. A failed handshake is counted and logged;
// only context cancellation ends the client.
func (s *Service) connectOnce(ctx context.Context, cd, sd *handshake.Driver, lcfg loopback.Config, key []byte) error {
	p := loopback.NewPair(lcfg)
	cc := cd.NewConn(handshake.RoleClient, p.Client)
	if _, err := cd.SetPeerKey(ctx, cc, key); err != nil {
		logs.Warnf("service.Service.connectOnce peer lookup key=%s err=%v", key, err)
	}
	sc := sd.NewConn(handshake.RoleServer, p.Server)
	err := loopback.Drive(ctx, cd, cc, sd, sc)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.handshakes.Add(1)
	if err != nil {
		s.failed.Add(1)
		logs.Warnf("service.Service.connectOnce key=%s err=%v", key, err)
		return nil
	}
	if cc.Resumed() {
		s.resumed.Add(1)
	}
	if cc.HoldsResources() {
		_ = cd.ReleaseHandshakeResources(cc)
	}
	if sc.HoldsResources() {
		_ = sd.ReleaseHandshakeResources(sc)
	}
	return nil
}
