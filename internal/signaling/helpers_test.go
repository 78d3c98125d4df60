package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mossy-p/callrelay/internal/directory"
	"github.com/mossy-p/callrelay/internal/metrics"
	"github.com/mossy-p/callrelay/internal/models"
)

type sentEvent struct {
	To      string
	Event   models.EventName
	Payload any
}

// recordingTransport keeps every delivered event per connection.
type recordingTransport struct {
	mu    sync.Mutex
	conns []string
	sent  []sentEvent

	// onSend runs after each SendToOne, outside the lock.
	onSend func(sentEvent)
}

func (tr *recordingTransport) connect(connID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.conns = append(tr.conns, connID)
}

func (tr *recordingTransport) disconnect(connID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i, c := range tr.conns {
		if c == connID {
			tr.conns = append(tr.conns[:i], tr.conns[i+1:]...)
			return
		}
	}
}

func (tr *recordingTransport) SendToOne(connID string, event models.EventName, payload any) {
	e := sentEvent{To: connID, Event: event, Payload: payload}
	tr.mu.Lock()
	tr.sent = append(tr.sent, e)
	hook := tr.onSend
	tr.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (tr *recordingTransport) BroadcastExcept(connID string, event models.EventName, payload any) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, c := range tr.conns {
		if c != connID {
			tr.sent = append(tr.sent, sentEvent{To: c, Event: event, Payload: payload})
		}
	}
}

// to returns the events delivered to connID, in order.
func (tr *recordingTransport) to(connID string) []sentEvent {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []sentEvent
	for _, e := range tr.sent {
		if e.To == connID {
			out = append(out, e)
		}
	}
	return out
}

func (tr *recordingTransport) all() []sentEvent {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]sentEvent(nil), tr.sent...)
}

func (tr *recordingTransport) reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sent = nil
}

func eventNames(events []sentEvent) []models.EventName {
	out := make([]models.EventName, 0, len(events))
	for _, e := range events {
		out = append(out, e.Event)
	}
	return out
}

type presenceCall struct {
	Online     bool
	IdentityID string
}

type recordingPresence struct {
	mu        sync.Mutex
	calls     []presenceCall
	refreshed [][]string
	release   chan struct{} // when set, Online waits for it
}

func (p *recordingPresence) Online(_ context.Context, sess models.PeerSession) {
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, presenceCall{Online: true, IdentityID: sess.IdentityID})
}

func (p *recordingPresence) Offline(_ context.Context, sess models.PeerSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, presenceCall{Online: false, IdentityID: sess.IdentityID})
}

func (p *recordingPresence) Refresh(_ context.Context, sessions []models.PeerSession) {
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.IdentityID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshed = append(p.refreshed, ids)
}

func (p *recordingPresence) snapshot() ([]presenceCall, [][]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]presenceCall(nil), p.calls...), append([][]string(nil), p.refreshed...)
}

type staticTokens map[string]string

func (s staticTokens) VerifyToken(token string) (string, error) {
	id, ok := s[token]
	if !ok {
		return "", errors.New("bad token")
	}
	return id, nil
}

type harness struct {
	svc       *Service
	dir       *directory.Directory
	transport *recordingTransport
	metrics   *metrics.Metrics
}

// credential checks are the slow part of login; keep them cheap in tests
var testIdentities = func() []models.Identity {
	identities, err := directory.Builtin(bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return identities
}()

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir, err := directory.New(testIdentities)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	nop := zerolog.Nop()
	opts.Metrics = m
	opts.Logger = &nop

	tr := &recordingTransport{}
	svc := NewService(dir, directory.NewBcryptVerifier(dir), tr, opts)
	t.Cleanup(svc.Close)
	return &harness{svc: svc, dir: dir, transport: tr, metrics: m}
}

// login connects connID and authenticates it as username.
func (h *harness) login(t *testing.T, connID, username string) {
	t.Helper()
	h.transport.connect(connID)
	err := h.svc.Login(context.Background(), connID, models.LoginPayload{Username: username, Password: directory.DemoPassword})
	require.NoError(t, err)
}

// connectCall logs in caller and target and brings them to Connected.
func (h *harness) connectCall(t *testing.T, callerConn, caller, targetConn, target string) {
	t.Helper()
	ctx := context.Background()
	h.login(t, callerConn, caller)
	h.login(t, targetConn, target)

	targetIdent, ok := h.dir.ByUsername(target)
	require.True(t, ok)
	require.NoError(t, h.svc.StartCall(ctx, callerConn, models.StartCallPayload{TargetUserID: targetIdent.ID, CallType: "video"}))
	require.NoError(t, h.svc.AcceptCall(ctx, targetConn, models.AcceptCallPayload{CallerSocketID: callerConn}))
}

func (h *harness) identity(t *testing.T, id string) models.Identity {
	t.Helper()
	ident, ok := h.dir.Get(id)
	require.True(t, ok)
	return ident
}
