package handshake

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/handshake/internal/sessionstore"
	"github.com/danmuck/handshake/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func stepOnce(t *testing.T, d *Driver, c *Conn, want Status) {
	t.Helper()
	got, err := d.Step(context.Background(), c)
	if got != want {
		t.Fatalf("Step status got=%s want=%s err=%v state=%s", got, want, err, c.State())
	}
	if want != StatusFatal && err != nil {
		t.Fatalf("Step err got=%v want nil", err)
	}
}

func TestClientFullHandshakeStoresSession(t *testing.T) {
	testlog.Start(t)
	now := func() time.Time { return fakeNow }
	store := newTestStore(t, now)

	var stored []sessionstore.Record
	d := newTestDriver(t, store, func(cfg *Config) {
		cfg.Callbacks.NewSession = func(_ *Conn, rec sessionstore.Record) {
			stored = append(stored, rec)
		}
	})
	l := newScriptedLayer(t)
	c := d.NewConn(RoleClient, l)
	if _, err := d.SetPeerKey(context.Background(), c, []byte("peer-1")); err != nil {
		t.Fatalf("SetPeerKey: %v", err)
	}

	id := sid(0x01)
	l.feed(fullServerFlight(id)...)
	l.feed(func(c *Conn) error {
		c.SetTicket(bytes.Repeat([]byte{0x7}, 300))
		return nil
	})
	l.feed(serverFinish()...)

	stepOnce(t, d, c, StatusSuccess)

	want := []MessageKind{MessageClientHello, MessageClientKeyExchange, MessageChangeCipherSpec, MessageFinished}
	if diff := cmp.Diff(want, l.sent); diff != "" {
		t.Fatalf("sent messages (-want +got):\n%s", diff)
	}
	if !c.Done() || c.Resumed() || c.ClientState() != ClientSecondReplyDone {
		t.Fatalf("conn done=%v resumed=%v state=%s", c.Done(), c.Resumed(), c.State())
	}
	if c.HoldsResources() {
		t.Fatalf("stream handshake kept scratch without KeepResources")
	}

	if len(stored) != 1 || stored[0].ID != id {
		t.Fatalf("new session callback got %d records", len(stored))
	}
	got, ok, err := store.GetByPeerKey(context.Background(), []byte("peer-1"))
	if err != nil || !ok {
		t.Fatalf("GetByPeerKey ok=%v err=%v", ok, err)
	}
	if got.ID != id || got.MasterSecret != c.MasterSecret() || got.Ticket().Len() != 300 {
		t.Fatalf("stored session mismatch id=%s ticket=%d", got.ID, got.Ticket().Len())
	}
	if got.Validity != 7200 || got.CreatedAt != fakeNow.Unix() {
		t.Fatalf("stored validity=%d created=%d", got.Validity, got.CreatedAt)
	}

	// Further steps are no-ops.
	stepOnce(t, d, c, StatusSuccess)
	if len(l.sent) != len(want) {
		t.Fatalf("completed conn sent more messages: %v", l.sent)
	}
}

func TestClientResumptionSkipsKeyExchange(t *testing.T) {
	testlog.Start(t)
	now := func() time.Time { return fakeNow }
	store := newTestStore(t, now)
	id := sid(0x20)
	rec := &sessionstore.Record{ID: id, CreatedAt: fakeNow.Unix(), Validity: 60}
	rec.MasterSecret[0] = 0xaa
	if err := store.Put(context.Background(), id, rec, []byte("peer-r")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	trans := &transitionLog{}
	d := newTestDriver(t, store, func(cfg *Config) { cfg.Callbacks.Transition = trans.record })
	l := newScriptedLayer(t)
	c := d.NewConn(RoleClient, l)
	ok, err := d.SetPeerKey(context.Background(), c, []byte("peer-r"))
	if err != nil || !ok {
		t.Fatalf("SetPeerKey ok=%v err=%v", ok, err)
	}
	if !c.Resuming() || c.SessionID() != id {
		t.Fatalf("conn not prepared for resumption id=%s", c.SessionID())
	}

	l.feed(serverHello(id, true))
	l.feed(serverFinish()...)
	stepOnce(t, d, c, StatusSuccess)

	want := []MessageKind{MessageClientHello, MessageChangeCipherSpec, MessageFinished}
	if diff := cmp.Diff(want, l.sent); diff != "" {
		t.Fatalf("sent messages (-want +got):\n%s", diff)
	}
	if !c.Resumed() || c.MasterSecret()[0] != 0xaa {
		t.Fatalf("resumed=%v secret=%x", c.Resumed(), c.MasterSecret()[0])
	}
	st, _ := store.Stats(context.Background())
	if st.Total != 1 {
		t.Fatalf("resumed handshake stored a session again total=%d", st.Total)
	}
}

func TestClientWidensWhenResumptionDeclined(t *testing.T) {
	testlog.Start(t)
	if MilestoneServerHelloDone >= MilestoneServerFinished {
		t.Fatalf("full-handshake milestone must sort first got=%s,%s", MilestoneServerHelloDone, MilestoneServerFinished)
	}
	now := func() time.Time { return fakeNow }
	trans := &transitionLog{}
	d := newTestDriver(t, newTestStore(t, now), func(cfg *Config) { cfg.Callbacks.Transition = trans.record })
	l := newScriptedLayer(t)
	c := d.NewConn(RoleClient, l)

	offered := &sessionstore.Record{ID: sid(0x30), CreatedAt: fakeNow.Unix(), Validity: 60}
	if err := d.SetSession(c, offered); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	// The server answers with a different id; messages then trickle in.
	fresh := sid(0x40)
	stepOnce(t, d, c, StatusWantRead)
	for _, step := range fullServerFlight(fresh) {
		l.feed(step)
		stepOnce(t, d, c, StatusWantRead)
	}
	if c.Resuming() {
		t.Fatalf("conn still resuming after declined hello")
	}
	if c.ClientState() != ClientFinishedSent {
		t.Fatalf("state got=%s want=%s", c.State(), ClientFinishedSent)
	}
	l.feed(serverFinish()...)
	stepOnce(t, d, c, StatusSuccess)

	want := []MessageKind{MessageClientHello, MessageClientKeyExchange, MessageChangeCipherSpec, MessageFinished}
	if diff := cmp.Diff(want, l.sent); diff != "" {
		t.Fatalf("sent messages (-want +got):\n%s", diff)
	}
	if c.Resumed() || c.SessionID() != fresh {
		t.Fatalf("resumed=%v id=%s", c.Resumed(), c.SessionID())
	}
	if trans.contains(ClientBegin.String()) {
		t.Fatalf("driver restarted from the beginning: %v", trans.to)
	}
}

func TestSuspendedWriteIsSentOnce(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil, nil)
	l := newScriptedLayer(t)
	l.stall(MessageClientHello, 5)
	c := d.NewConn(RoleClient, l)

	for i := 0; i < 5; i++ {
		stepOnce(t, d, c, StatusWantWrite)
		if c.ClientState() != ClientBegin {
			t.Fatalf("state advanced before message finished: %s", c.State())
		}
	}
	stepOnce(t, d, c, StatusWantRead)

	if got := l.built[MessageClientHello]; got != 1 {
		t.Fatalf("client hello built %d times", got)
	}
	if got := l.written[MessageClientHello]; got != l.msgLen {
		t.Fatalf("client hello bytes written got=%d want=%d", got, l.msgLen)
	}
	if c.ClientState() != ClientHelloSent {
		t.Fatalf("state got=%s want=%s", c.State(), ClientHelloSent)
	}
}

func TestWantWriteMidMessageCompletesThenAdvances(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil, nil)
	l := newScriptedLayer(t)
	l.stall(MessageClientKeyExchange, 1)
	c := d.NewConn(RoleClient, l)
	l.feed(fullServerFlight(sid(0x50))...)

	stepOnce(t, d, c, StatusWantWrite)
	if c.ClientState() != ClientCertificateSent {
		t.Fatalf("state got=%s want=%s", c.State(), ClientCertificateSent)
	}
	if c.Output().Sent() != 1 {
		t.Fatalf("partial write offset got=%d want=1", c.Output().Sent())
	}

	// Transport writable again: the same message finishes, then the driver
	// moves on to change cipher spec and finished before waiting.
	stepOnce(t, d, c, StatusWantRead)
	if got := l.built[MessageClientKeyExchange]; got != 1 {
		t.Fatalf("key exchange built %d times", got)
	}
	if got := l.written[MessageClientKeyExchange]; got != l.msgLen {
		t.Fatalf("key exchange bytes got=%d want=%d", got, l.msgLen)
	}
	want := []MessageKind{MessageClientHello, MessageClientKeyExchange, MessageChangeCipherSpec, MessageFinished}
	if diff := cmp.Diff(want, l.sent); diff != "" {
		t.Fatalf("sent messages (-want +got):\n%s", diff)
	}
	if c.ClientState() != ClientFinishedSent {
		t.Fatalf("state got=%s want=%s", c.State(), ClientFinishedSent)
	}
}

func TestRecordLayerErrorIsFatalAndVerbatim(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil, nil)
	l := newScriptedLayer(t)
	boom := errors.New("bad record mac")
	l.fail(MessageClientKeyExchange, boom)
	c := d.NewConn(RoleClient, l)
	l.feed(fullServerFlight(sid(0x60))...)

	st, err := d.Step(context.Background(), c)
	if st != StatusFatal || !errors.Is(err, boom) {
		t.Fatalf("Step got status=%s err=%v", st, err)
	}
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Err != boom || fe.State != ClientCertificateSent.String() || fe.Role != RoleClient {
		t.Fatalf("fatal error got=%#v", fe)
	}

	l.fail(0xff, nil)
	st, again := d.Step(context.Background(), c)
	if st != StatusFatal || again != err {
		t.Fatalf("fatal conn stepped again status=%s err=%v", st, again)
	}
	if l.built[MessageClientKeyExchange] != 1 {
		t.Fatalf("failed send retried")
	}

	perr := errors.New("decode error")
	c2 := d.NewConn(RoleClient, newScriptedLayer(t))
	c2.rl.(*scriptedLayer).feed(func(*Conn) error { return perr })
	if st, err := d.Step(context.Background(), c2); st != StatusFatal || !errors.Is(err, perr) {
		t.Fatalf("process error status=%s err=%v", st, err)
	}
}

func TestMilestoneForWrongRoleIsRejected(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil, nil)
	l := newScriptedLayer(t)
	c := d.NewConn(RoleClient, l)
	l.feed(peerReached(MilestoneClientHello))
	st, err := d.Step(context.Background(), c)
	if st != StatusFatal || !errors.Is(err, ErrUnexpectedMilestone) {
		t.Fatalf("status=%s err=%v", st, err)
	}
}

func TestStepWithoutRecordLayer(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil, nil)
	c := d.NewConn(RoleServer, nil)
	if st, err := d.Step(context.Background(), c); st != StatusFatal || !errors.Is(err, ErrNoRecordLayer) {
		t.Fatalf("status=%s err=%v", st, err)
	}
}

func TestKeepResourcesRetainsScratch(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil, func(cfg *Config) { cfg.KeepResources = true })
	l := newScriptedLayer(t)
	c := d.NewConn(RoleClient, l)
	l.feed(fullServerFlight(sid(0x70))...)
	l.feed(serverFinish()...)
	stepOnce(t, d, c, StatusSuccess)
	if !c.HoldsResources() {
		t.Fatalf("scratch released despite KeepResources")
	}
	if err := d.ReleaseHandshakeResources(c); err != nil {
		t.Fatalf("ReleaseHandshakeResources: %v", err)
	}
	if c.HoldsResources() {
		t.Fatalf("scratch kept after release")
	}

	fresh := d.NewConn(RoleClient, newScriptedLayer(t))
	if err := d.ReleaseHandshakeResources(fresh); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("release before completion err=%v", err)
	}
}

func TestSetSessionRejectsExpiredAndServerRole(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil, nil)
	c := d.NewConn(RoleClient, newScriptedLayer(t))
	expired := &sessionstore.Record{ID: sid(1), CreatedAt: fakeNow.Unix() - 100, Validity: 10}
	if err := d.SetSession(c, expired); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expired SetSession err=%v", err)
	}
	if c.Resuming() {
		t.Fatalf("expired session marked conn resuming")
	}
	srv := d.NewConn(RoleServer, newScriptedLayer(t))
	if err := d.SetSession(srv, &sessionstore.Record{ID: sid(1)}); !errors.Is(err, ErrWrongRole) {
		t.Fatalf("server SetSession err=%v", err)
	}
	if _, err := d.SetPeerKey(context.Background(), srv, []byte("k")); !errors.Is(err, ErrWrongRole) {
		t.Fatalf("server SetPeerKey err=%v", err)
	}
}

func TestDatagramClientRepeatsHelloForCookie(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil, func(cfg *Config) { cfg.Transport = TransportDatagram })
	l := newScriptedLayer(t)
	c := d.NewConn(RoleClient, l)

	l.feed(func(c *Conn) error {
		c.SetCookie([]byte("cookie"))
		return c.AdvancePeer(MilestoneServerHelloVerify)
	})
	stepOnce(t, d, c, StatusWantRead)
	if c.ClientState() != ClientHelloAgainReply {
		t.Fatalf("state got=%s want=%s", c.State(), ClientHelloAgainReply)
	}
	l.feed(fullServerFlight(sid(0x80))...)
	l.feed(serverFinish()...)
	stepOnce(t, d, c, StatusSuccess)

	want := []MessageKind{MessageClientHello, MessageClientHello, MessageClientKeyExchange, MessageChangeCipherSpec, MessageFinished}
	if diff := cmp.Diff(want, l.sent); diff != "" {
		t.Fatalf("sent messages (-want +got):\n%s", diff)
	}
	if !c.HoldsResources() {
		t.Fatalf("datagram conn released scratch at completion")
	}
}

func TestDatagramClientWithoutCookieSendsOneHello(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil, func(cfg *Config) { cfg.Transport = TransportDatagram })
	l := newScriptedLayer(t)
	c := d.NewConn(RoleClient, l)
	l.feed(fullServerFlight(sid(0x81))...)
	l.feed(serverFinish()...)
	stepOnce(t, d, c, StatusSuccess)
	if got := l.built[MessageClientHello]; got != 1 {
		t.Fatalf("client hello built %d times", got)
	}
}

func TestClientSendsCertificateWhenRequested(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil, nil)
	l := newScriptedLayer(t)
	c := d.NewConn(RoleClient, l)
	l.feed(
		serverHello(sid(0x90), false),
		peerReached(MilestoneServerCertificate),
		peerReached(MilestoneServerKeyExchange),
		func(c *Conn) error {
			c.SetCertificateRequested(true)
			return c.AdvancePeer(MilestoneServerCertificateRequest)
		},
		peerReached(MilestoneServerHelloDone),
	)
	l.feed(serverFinish()...)
	stepOnce(t, d, c, StatusSuccess)
	want := []MessageKind{
		MessageClientHello, MessageCertificate, MessageClientKeyExchange,
		MessageCertificateVerify, MessageChangeCipherSpec, MessageFinished,
	}
	if diff := cmp.Diff(want, l.sent); diff != "" {
		t.Fatalf("sent messages (-want +got):\n%s", diff)
	}
}
