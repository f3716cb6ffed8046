package etw

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultMaxMatches is the number of records a filter request returns when
// no WithMaxMatches option is given.
const DefaultMaxMatches = 100

// RequestKind tags a Request.
type RequestKind uint8

const (
	// RequestFilter asks for the records of Request.Filter.
	RequestFilter RequestKind = iota
	// RequestShutdown ends the worker.
	RequestShutdown
)

func (k RequestKind) String() string {
	switch k {
	case RequestFilter:
		return "filter"
	case RequestShutdown:
		return "shutdown"
	}
	return "UNKNOWN"
}

// Request is one unit of work for a DecodeWorker.
type Request struct {
	Kind   RequestKind
	Filter EventKey
}

// Batch is the result of one filter request. Err is set only when the
// source could not be opened or read; Records then holds whatever was
// decoded before the failure.
type Batch struct {
	ID      ulid.ULID     `json:"id"`
	Filter  EventKey      `json:"filter"`
	Records []EventRecord `json:"records"`
	Err     error         `json:"-"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newBatchID returns a time-sortable ID, strictly increasing within the
// process.
func newBatchID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// WorkerOption configures a DecodeWorker.
type WorkerOption func(*DecodeWorker)

// WithMaxMatches caps the records of every batch. Values below 1 are ignored.
func WithMaxMatches(n int) WorkerOption {
	return func(w *DecodeWorker) {
		if n > 0 {
			w.maxMatches = n
		}
	}
}

// WithWorkerMetrics counts batches by outcome.
func WithWorkerMetrics(m *Metrics) WorkerOption {
	return func(w *DecodeWorker) { w.metrics = m }
}

// WithWorkerContext bounds source opens and scans. Cancelling ctx aborts
// the scan in progress; its batch carries the context error.
func WithWorkerContext(ctx context.Context) WorkerOption {
	return func(w *DecodeWorker) { w.ctx = ctx }
}

// DecodeWorker answers filter requests on a background goroutine. Each
// request reopens the source, scans it with a Session and publishes one
// Batch. The resolver and decoder are owned by the worker once passed in.
type DecodeWorker struct {
	opener     SourceOpener
	session    *Session
	maxMatches int
	metrics    *Metrics
	ctx        context.Context
	running    atomic.Bool
	tc         *TaskChannel[Request, Batch]
}

func NewDecodeWorker(opener SourceOpener, resolver *SchemaResolver, decoder *Decoder, opts ...WorkerOption) *DecodeWorker {
	w := &DecodeWorker{
		opener:     opener,
		session:    NewSession(resolver, decoder),
		maxMatches: DefaultMaxMatches,
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.running.Store(true)
	w.tc = NewTaskChannel(w.handle)
	return w
}

// Submit queues a filter request.
func (w *DecodeWorker) Submit(filter EventKey) {
	w.tc.PushInput(Request{Kind: RequestFilter, Filter: filter})
}

// Shutdown stops the worker once the request in progress, if any, is done.
// Requests still queued behind it are dropped. A zero filter follows the
// shutdown request so an idle worker wakes up even if it only looks at
// filters.
func (w *DecodeWorker) Shutdown() {
	w.running.Store(false)
	w.tc.PushInput(Request{Kind: RequestShutdown})
	w.tc.PushInput(Request{Kind: RequestFilter, Filter: ZeroKey})
}

// Poll returns the oldest finished batch without blocking.
func (w *DecodeWorker) Poll() (Batch, bool) {
	return w.tc.TryPopOutput()
}

// Wait blocks until a batch is ready or the worker has exited and every
// batch was consumed.
func (w *DecodeWorker) Wait() (Batch, bool) {
	return w.tc.PopOutput(true)
}

// Join waits for the worker goroutine to exit.
func (w *DecodeWorker) Join() {
	w.tc.Join()
}

func (w *DecodeWorker) handle(req Request, tc *TaskChannel[Request, Batch]) bool {
	if req.Kind == RequestShutdown {
		wrklog.Debug().Msg("shutdown requested")
		return true
	}
	if req.Filter.IsZero() {
		return !w.running.Load()
	}

	start := time.Now()
	batch := Batch{ID: newBatchID(), Filter: req.Filter}
	src, err := w.opener.Open(w.ctx)
	if err != nil {
		batch.Err = fmt.Errorf("%w: %w", ErrSourceOpen, err)
		wrklog.Error().Err(batch.Err).Str("filter", req.Filter.String()).Msg("cannot open trace source")
		w.metrics.batch(outcomeOpenFailed)
		tc.PushOutput(batch)
		return !w.running.Load()
	}

	batch.Records, batch.Err = w.session.Run(w.ctx, src, req.Filter, w.maxMatches)
	if cerr := src.Close(); cerr != nil {
		wrklog.Warn().Err(cerr).Msg("closing trace source")
	}

	switch {
	case batch.Err == nil:
		w.metrics.batch(outcomeOK)
	case errors.Is(batch.Err, ErrSourceProcessing):
		wrklog.Error().Err(batch.Err).Str("filter", req.Filter.String()).Msg("trace processing failed")
		w.metrics.batch(outcomeFailed)
	default:
		w.metrics.batch(outcomeFailed)
	}
	wrklog.Debug().
		Str("batch", batch.ID.String()).
		Str("filter", req.Filter.String()).
		Int("records", len(batch.Records)).
		Dur("elapsed", time.Since(start)).
		Msg("batch ready")

	tc.PushOutput(batch)
	return !w.running.Load()
}
