// Package signaling handles login, presence and call-control events and
// routes each one to the single connection it is meant for.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/callrelay/internal/calls"
	"github.com/mossy-p/callrelay/internal/directory"
	"github.com/mossy-p/callrelay/internal/metrics"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/registry"
)

var (
	ErrNotAuthenticated   = errors.New("signaling: connection not authenticated")
	ErrTargetUnavailable  = errors.New("signaling: target offline or unknown")
	ErrUnresolvableTarget = errors.New("signaling: relay target not connected")
	ErrNotInCall          = errors.New("signaling: connections share no call in the required phase")
	ErrUnknownEvent       = errors.New("signaling: unknown event")
	ErrMalformedPayload   = errors.New("signaling: malformed payload")
)

// Messages sent to clients in login-failed and call-error events.
const (
	msgInvalidCredentials   = "Invalid credentials"
	msgAlreadyAuthenticated = "Already logged in on this connection"
	msgIdentityInUse        = "User is already logged in elsewhere"
	msgNotAuthenticated     = "Not authenticated"
	msgTargetUnavailable    = "User is offline or not found"
	msgUnsupportedCallType  = "Unsupported call type"
	msgNoAnswer             = "No answer"
)

// Transport delivers encoded events to connections. Delivery is fire-and-forget.
type Transport interface {
	SendToOne(connID string, event models.EventName, payload any)
	BroadcastExcept(connID string, event models.EventName, payload any)
}

// PresenceSink is told about every login and logout, e.g. to mirror presence
// into an external store. Calls come from a single goroutine in event order.
type PresenceSink interface {
	Online(ctx context.Context, sess models.PeerSession)
	Offline(ctx context.Context, sess models.PeerSession)
}

// TokenVerifier resolves a session token to an identity id.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// RoutingMode decides how much client supplied connection ids are trusted.
type RoutingMode string

const (
	// RoutingStrict relays call-control and webrtc-signal events only between
	// the two parties of a tracked call in the matching phase.
	RoutingStrict RoutingMode = "strict"
	// RoutingLenient relays to any registered connection the client names.
	RoutingLenient RoutingMode = "lenient"
)

type Options struct {
	Routing     RoutingMode
	RingTimeout time.Duration
	Presence    PresenceSink
	// PresenceRefresh is how often a PresenceRefresher sink is handed the
	// live sessions. Zero disables refreshing.
	PresenceRefresh time.Duration
	PresenceQueue   int
	Tokens          TokenVerifier
	Metrics         *metrics.Metrics
	Logger          *zerolog.Logger
	Now             func() time.Time
}

// Service owns the peer registry and call tracker for one relay process.
type Service struct {
	dir       *directory.Directory
	verifier  directory.CredentialVerifier
	registry  *registry.Registry
	tracker   *calls.Tracker
	transport Transport
	presence  *presenceWorker
	tokens    TokenVerifier
	routing   RoutingMode
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(dir *directory.Directory, verifier directory.CredentialVerifier, transport Transport, opts Options) *Service {
	s := &Service{
		dir:       dir,
		verifier:  verifier,
		registry:  registry.New(dir),
		transport: transport,
		tokens:    opts.Tokens,
		routing:   opts.Routing,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if s.routing == "" {
		s.routing = RoutingStrict
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "signaling").Logger()
	} else {
		s.log = log.With().Str("component", "signaling").Logger()
	}
	sink := opts.Presence
	if sink == nil {
		sink = nopPresence{}
	}
	s.presence = newPresenceWorker(sink, opts.PresenceQueue, opts.PresenceRefresh, s.registry.Sessions, s.metrics, s.log)
	s.tracker = calls.NewTracker(
		calls.WithClock(s.now),
		calls.WithRingTimeout(opts.RingTimeout, s.ringTimedOut),
	)
	return s
}

// Close stops pending ring timers and flushes queued presence updates.
func (s *Service) Close() {
	s.tracker.Close()
	s.presence.stop()
}

// Presence returns the presence snapshot as seen by identityID.
func (s *Service) Presence(identityID string) []models.PresenceEntry {
	return s.registry.Snapshot(identityID)
}

// HandleEvent decodes one inbound frame and runs the matching handler. The
// returned error is for logging only; anything the client must see has
// already been sent.
func (s *Service) HandleEvent(ctx context.Context, connID string, env models.Envelope) error {
	var err error
	switch env.Event {
	case models.EventLogin:
		err = dispatch(ctx, connID, env.Data, s.Login)
	case models.EventStartCall:
		err = dispatch(ctx, connID, env.Data, s.StartCall)
	case models.EventAcceptCall:
		err = dispatch(ctx, connID, env.Data, s.AcceptCall)
	case models.EventRejectCall:
		err = dispatch(ctx, connID, env.Data, s.RejectCall)
	case models.EventCancelCall:
		err = dispatch(ctx, connID, env.Data, s.CancelCall)
	case models.EventWebRTCSignal:
		err = dispatch(ctx, connID, env.Data, s.Signal)
	case models.EventEndCall:
		err = dispatch(ctx, connID, env.Data, s.EndCall)
	default:
		s.metrics.EventsDropped.WithLabelValues("unknown_event").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if errors.Is(err, ErrMalformedPayload) {
		s.metrics.EventsDropped.WithLabelValues("malformed").Inc()
	}
	return err
}

func dispatch[T any](ctx context.Context, connID string, data json.RawMessage, fn func(context.Context, string, T) error) error {
	var payload T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	return fn(ctx, connID, payload)
}

// Login authenticates connID and announces the identity to everyone else.
func (s *Service) Login(_ context.Context, connID string, req models.LoginPayload) error {
	if _, ok := s.registry.Lookup(connID); ok {
		s.rejectLogin(connID, msgAlreadyAuthenticated)
		return registry.ErrAlreadyAuthenticated
	}

	ident, err := s.authenticate(req)
	if err != nil {
		s.rejectLogin(connID, msgInvalidCredentials)
		return fmt.Errorf("login %q: %w", req.Username, err)
	}

	sess, err := s.registry.Register(connID, ident)
	if err != nil {
		msg := msgInvalidCredentials
		switch {
		case errors.Is(err, registry.ErrIdentityInUse):
			msg = msgIdentityInUse
		case errors.Is(err, registry.ErrAlreadyAuthenticated):
			msg = msgAlreadyAuthenticated
		}
		s.rejectLogin(connID, msg)
		return fmt.Errorf("login %q: %w", ident.Username, err)
	}

	s.metrics.Logins.WithLabelValues("success").Inc()
	s.metrics.UsersOnline.Inc()
	s.presence.enqueue(true, sess)

	s.transport.SendToOne(connID, models.EventLoginSuccess, models.LoginSuccess{
		UserID: ident.ID,
		Name:   ident.DisplayName,
		Avatar: ident.Avatar,
		Users:  s.registry.Snapshot(ident.ID),
	})
	s.transport.BroadcastExcept(connID, models.EventUserOnline, models.UserOnline{
		UserID: ident.ID,
		Name:   ident.DisplayName,
		Avatar: ident.Avatar,
	})

	s.log.Info().Str("user_id", ident.ID).Str("conn_id", connID).Msgf("%s logged in", ident.DisplayName)
	return nil
}

func (s *Service) authenticate(req models.LoginPayload) (models.Identity, error) {
	if req.Token == "" {
		return s.verifier.VerifyCredential(req.Username, req.Password)
	}
	if s.tokens == nil {
		return models.Identity{}, directory.ErrInvalidCredentials
	}
	id, err := s.tokens.VerifyToken(req.Token)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", directory.ErrInvalidCredentials, err)
	}
	ident, ok := s.dir.Get(id)
	if !ok {
		return models.Identity{}, directory.ErrInvalidCredentials
	}
	return ident, nil
}

func (s *Service) rejectLogin(connID, msg string) {
	s.metrics.Logins.WithLabelValues("failed").Inc()
	s.transport.SendToOne(connID, models.EventLoginFailed, models.LoginFailed{Message: msg})
}

// StartCall rings the target identity on its live connection.
func (s *Service) StartCall(_ context.Context, connID string, req models.StartCallPayload) error {
	caller, ok := s.registry.Lookup(connID)
	if !ok {
		s.notAuthenticated(connID)
		return ErrNotAuthenticated
	}

	typ, err := models.ParseCallType(req.CallType)
	if err != nil {
		s.sendCallError(connID, msgUnsupportedCallType, req.TargetUserID)
		return err
	}

	target, ok := s.registry.FindByIdentity(req.TargetUserID)
	if !ok || target.ConnectionID == connID {
		s.metrics.Calls.WithLabelValues(metrics.CallUnavailable).Inc()
		s.sendCallError(connID, msgTargetUnavailable, req.TargetUserID)
		return fmt.Errorf("start call to %q: %w", req.TargetUserID, ErrTargetUnavailable)
	}

	call := s.tracker.Start(caller, target, typ)
	s.metrics.Calls.WithLabelValues(metrics.CallStarted).Inc()

	s.transport.SendToOne(target.ConnectionID, models.EventIncomingCall, models.IncomingCall{
		From:           caller.IdentityID,
		FromName:       caller.DisplayName,
		FromAvatar:     caller.Avatar,
		CallerSocketID: connID,
		CallType:       typ,
		Timestamp:      call.StartedAt.UnixMilli(),
	})
	s.transport.SendToOne(connID, models.EventCallRinging, models.CallRinging{
		TargetUserID: target.IdentityID,
		TargetName:   target.DisplayName,
		TargetAvatar: target.Avatar,
		CallType:     typ,
	})

	s.log.Info().Str("call_id", call.ID).Str("caller", caller.IdentityID).Str("target", target.IdentityID).
		Str("type", string(typ)).Msg("call ringing")
	return nil
}

// AcceptCall connects the receiver (connID) with the ringing caller.
func (s *Service) AcceptCall(_ context.Context, connID string, req models.AcceptCallPayload) error {
	receiver, ok := s.registry.Lookup(connID)
	if !ok {
		s.notAuthenticated(connID)
		return ErrNotAuthenticated
	}
	caller, ok := s.registry.Lookup(req.CallerSocketID)
	if !ok {
		return s.unresolvable(models.EventAcceptCall, req.CallerSocketID)
	}

	call, err := s.tracker.Accept(caller.ConnectionID, connID)
	tracked := err == nil
	if !tracked && s.routing == RoutingStrict {
		return s.notInCall(models.EventAcceptCall, connID, caller.ConnectionID)
	}
	// The call is Connected before either party is told.
	if tracked {
		if call, err = s.tracker.MarkConnected(caller.ConnectionID, connID); err != nil {
			return s.notInCall(models.EventAcceptCall, connID, caller.ConnectionID)
		}
	}

	typ := models.CallTypeAudio
	if tracked {
		typ = call.Type
	}
	if req.CallType != "" {
		if t, err := models.ParseCallType(req.CallType); err == nil {
			typ = t
		}
	}

	s.transport.SendToOne(caller.ConnectionID, models.EventCallAccepted, models.CallAccepted{
		ReceiverSocketID: connID,
		ReceiverID:       receiver.IdentityID,
		ReceiverName:     receiver.DisplayName,
		ReceiverAvatar:   receiver.Avatar,
		CallType:         typ,
	})
	s.transport.SendToOne(connID, models.EventCallConnected, models.CallConnected{
		CallerSocketID: caller.ConnectionID,
		CallerID:       caller.IdentityID,
		CallerName:     caller.DisplayName,
		CallerAvatar:   caller.Avatar,
		CallType:       typ,
	})

	s.metrics.Calls.WithLabelValues(metrics.CallAccepted).Inc()
	s.log.Info().Str("caller", caller.IdentityID).Str("receiver", receiver.IdentityID).Msg("call accepted")
	return nil
}

// RejectCall declines a ringing call on behalf of the receiver (connID).
func (s *Service) RejectCall(_ context.Context, connID string, req models.RejectCallPayload) error {
	if _, ok := s.registry.Lookup(req.CallerSocketID); !ok {
		return s.unresolvable(models.EventRejectCall, req.CallerSocketID)
	}
	if _, err := s.tracker.Reject(req.CallerSocketID, connID); err != nil && s.routing == RoutingStrict {
		return s.notInCall(models.EventRejectCall, connID, req.CallerSocketID)
	}

	s.transport.SendToOne(req.CallerSocketID, models.EventCallRejected, nil)
	s.metrics.Calls.WithLabelValues(metrics.CallRejected).Inc()
	return nil
}

// CancelCall withdraws a ringing call on behalf of the caller (connID).
func (s *Service) CancelCall(_ context.Context, connID string, req models.CancelCallPayload) error {
	if _, ok := s.registry.Lookup(req.TargetSocketID); !ok {
		return s.unresolvable(models.EventCancelCall, req.TargetSocketID)
	}
	if _, err := s.tracker.Cancel(connID, req.TargetSocketID); err != nil && s.routing == RoutingStrict {
		return s.notInCall(models.EventCancelCall, connID, req.TargetSocketID)
	}

	s.transport.SendToOne(req.TargetSocketID, models.EventCallCancelled, nil)
	s.metrics.Calls.WithLabelValues(metrics.CallCancelled).Inc()
	return nil
}

// Signal forwards an opaque negotiation payload to the named connection.
func (s *Service) Signal(_ context.Context, connID string, req models.SignalPayload) error {
	if _, ok := s.registry.Lookup(req.TargetSocketID); !ok {
		return s.unresolvable(models.EventWebRTCSignal, req.TargetSocketID)
	}
	if s.routing == RoutingStrict {
		if _, ok := s.tracker.Active(connID, req.TargetSocketID); !ok {
			return s.notInCall(models.EventWebRTCSignal, connID, req.TargetSocketID)
		}
	}

	s.transport.SendToOne(req.TargetSocketID, models.EventWebRTCSignal, models.RelayedSignal{
		FromSocketID: connID,
		Type:         req.Type,
		Data:         req.Data,
	})
	s.metrics.SignalsRelayed.Inc()
	s.log.Debug().Str("type", req.Type).Str("from", connID).Str("to", req.TargetSocketID).Msg("webrtc signal")
	return nil
}

// EndCall hangs up the connected call between connID and the named connection.
func (s *Service) EndCall(_ context.Context, connID string, req models.EndCallPayload) error {
	if _, ok := s.registry.Lookup(req.TargetSocketID); !ok {
		return s.unresolvable(models.EventEndCall, req.TargetSocketID)
	}
	if _, err := s.tracker.End(connID, req.TargetSocketID); err != nil && s.routing == RoutingStrict {
		return s.notInCall(models.EventEndCall, connID, req.TargetSocketID)
	}

	s.transport.SendToOne(req.TargetSocketID, models.EventCallEnded, nil)
	s.metrics.Calls.WithLabelValues(metrics.CallEnded).Inc()
	return nil
}

// Disconnect tears down whatever connID left behind. Calling it again for
// the same connection does nothing.
func (s *Service) Disconnect(_ context.Context, connID string) {
	for _, call := range s.tracker.DropConnection(connID) {
		s.metrics.Calls.WithLabelValues(metrics.CallDropped).Inc()
		s.log.Info().Str("call_id", call.ID).Str("conn_id", connID).
			Str("peer_conn_id", call.Counterpart(connID)).Msg("call dropped")
	}

	sess, ok := s.registry.Remove(connID)
	if !ok {
		return
	}
	s.metrics.UsersOnline.Dec()
	s.presence.enqueue(false, sess)

	s.transport.BroadcastExcept(connID, models.EventUserOffline, models.UserOffline{UserID: sess.IdentityID})
	s.log.Info().Str("user_id", sess.IdentityID).Str("conn_id", connID).Msgf("%s disconnected", sess.DisplayName)
}

func (s *Service) ringTimedOut(call models.Call) {
	s.metrics.Calls.WithLabelValues(metrics.CallTimedOut).Inc()
	s.transport.SendToOne(call.TargetConnectionID, models.EventCallCancelled, models.CallCancelled{Reason: "timeout"})
	s.sendCallError(call.CallerConnectionID, msgNoAnswer, call.TargetIdentityID)
	s.log.Info().Str("call_id", call.ID).Msg("call not answered")
}

func (s *Service) notAuthenticated(connID string) {
	s.metrics.EventsDropped.WithLabelValues("not_authenticated").Inc()
	s.sendCallError(connID, msgNotAuthenticated, "")
}

func (s *Service) sendCallError(connID, msg, targetUserID string) {
	s.transport.SendToOne(connID, models.EventCallError, models.CallError{Message: msg, TargetUserID: targetUserID})
}

func (s *Service) unresolvable(event models.EventName, target string) error {
	s.metrics.EventsDropped.WithLabelValues("unresolvable_target").Inc()
	return fmt.Errorf("%s to %q: %w", event, target, ErrUnresolvableTarget)
}

func (s *Service) notInCall(event models.EventName, from, to string) error {
	s.metrics.EventsDropped.WithLabelValues("not_in_call").Inc()
	return fmt.Errorf("%s from %q to %q: %w", event, from, to, ErrNotInCall)
}

type nopPresence struct{}

func (nopPresence) Online(context.Context, models.PeerSession)  {}
func (nopPresence) Offline(context.Context, models.PeerSession) {}
