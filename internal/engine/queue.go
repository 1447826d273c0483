package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/objects"
)

// postJob is one pending queue post awaiting dispatch.
type postJob struct {
	obj  *Object
	auth objects.Auth
	msg  codec.Value
}

// queueRuntime dispatches posts to its QueueMeta.Handler on a private
// goroutine, one per queue property. Every post — whether it arrived
// over the wire or was self-posted by a handler reacting to another
// post — is scheduled onto this goroutine rather than invoked inline,
// treating both origins the same way: a
// handler can safely post back to its own queue without reentering
// itself on the same stack.
type queueRuntime struct {
	meta *objects.QueueMeta

	mu      sync.Mutex
	started bool
	jobs    chan postJob
	cancel  context.CancelFunc
}

func newQueueRuntime(meta *objects.QueueMeta) *queueRuntime {
	return &queueRuntime{meta: meta, jobs: make(chan postJob, 64)}
}

// Start launches the dispatch goroutine; safe to call multiple times,
// only the first call takes effect.
func (q *queueRuntime) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	go q.run(runCtx)
}

func (q *queueRuntime) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *queueRuntime) run(ctx context.Context) {
	for {
		select {
		case job := <-q.jobs:
			if q.meta.Handler == nil {
				continue
			}
			q.dispatch(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch invokes the handler for one job, recovering a panic and
// logging both a panic and a returned error so one bad post never
// takes down the queue's dispatch goroutine.
func (q *queueRuntime) dispatch(ctx context.Context, job postJob) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("queue", q.meta.Name).
				Interface("panic", r).
				Msg("queue handler panicked")
		}
	}()
	if err := q.meta.Handler(ctx, job.obj, job.auth, job.msg); err != nil {
		log.Error().
			Err(err).
			Str("queue", q.meta.Name).
			Msg("queue handler returned error")
	}
}

// Post enqueues msg for asynchronous dispatch, dropping it if the
// queue is saturated rather than blocking the caller — a full queue
// means the handler is falling behind, and the drop is reported to
// the caller as a false return.
func (q *queueRuntime) Post(obj *Object, auth objects.Auth, msg codec.Value) bool {
	select {
	case q.jobs <- postJob{obj: obj, auth: auth, msg: msg}:
		return true
	default:
		return false
	}
}
