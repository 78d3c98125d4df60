package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/callrelay/internal/metrics"
	"github.com/mossy-p/callrelay/internal/models"
)

const defaultPresenceQueue = 256

// PresenceRefresher is implemented by sinks whose entries expire unless they
// are renewed for every live session.
type PresenceRefresher interface {
	Refresh(ctx context.Context, sessions []models.PeerSession)
}

type presenceOp struct {
	online bool
	sess   models.PeerSession
}

// presenceWorker applies presence changes to the sink on its own goroutine,
// in the order they were queued.
type presenceWorker struct {
	sink     PresenceSink
	ops      chan presenceOp
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	refresh  time.Duration
	sessions func() []models.PeerSession
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func newPresenceWorker(sink PresenceSink, queue int, refresh time.Duration, sessions func() []models.PeerSession,
	m *metrics.Metrics, l zerolog.Logger) *presenceWorker {
	if queue <= 0 {
		queue = defaultPresenceQueue
	}
	w := &presenceWorker{
		sink:     sink,
		ops:      make(chan presenceOp, queue),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		refresh:  refresh,
		sessions: sessions,
		metrics:  m,
		log:      l,
	}
	go w.run()
	return w
}

func (w *presenceWorker) enqueue(online bool, sess models.PeerSession) {
	select {
	case <-w.quit:
		return
	default:
	}
	select {
	case w.ops <- presenceOp{online: online, sess: sess}:
	default:
		w.metrics.EventsDropped.WithLabelValues("presence_queue_full").Inc()
		w.log.Warn().Str("user_id", sess.IdentityID).Bool("online", online).Msg("presence queue full, dropping update")
	}
}

func (w *presenceWorker) run() {
	defer close(w.done)
	ctx := context.Background()

	var tick <-chan time.Time
	refresher, ok := w.sink.(PresenceRefresher)
	if ok && w.refresh > 0 {
		t := time.NewTicker(w.refresh)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case op := <-w.ops:
			w.apply(ctx, op)
		case <-tick:
			refresher.Refresh(ctx, w.sessions())
		case <-w.quit:
			for {
				select {
				case op := <-w.ops:
					w.apply(ctx, op)
				default:
					return
				}
			}
		}
	}
}

func (w *presenceWorker) apply(ctx context.Context, op presenceOp) {
	if op.online {
		w.sink.Online(ctx, op.sess)
	} else {
		w.sink.Offline(ctx, op.sess)
	}
}

// stop applies whatever is queued and waits for the worker to exit.
func (w *presenceWorker) stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		<-w.done
	})
}
