package usage

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/keygate/pkg/observability"
)

const (
	defaultBufferSize = 4096
	writeTimeout      = 5 * time.Second
)

// Record is one row in the usage trail: a single verified call.
type Record struct {
	ID         int64     `json:"id,omitempty"`
	TokenID    string    `json:"token_id"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	StatusCode int       `json:"status_code"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Writer is the slice of the token store the recorder needs
type Writer interface {
	InsertUsage(ctx context.Context, record *Record) error
	TouchLastUsed(ctx context.Context, tokenID string, at time.Time) error
}

type job struct {
	record *Record
	touch  string // token id for a last_used_at touch
	at     time.Time
}

// Recorder appends usage rows off the request path. Record never blocks
// and never fails the caller: on backpressure or a store outage the row is
// dropped and logged locally. Writes run on a detached context so a client
// disconnect does not abort an increment already in flight.
type Recorder struct {
	writer Writer
	logger *observability.Logger

	jobs chan job
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool

	// onDrop is invoked when a record is discarded (metrics hook)
	onDrop func()
}

// NewRecorder starts a recorder with the given buffer size
func NewRecorder(writer Writer, logger *observability.Logger, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	r := &Recorder{
		writer: writer,
		logger: logger,
		jobs:   make(chan job, bufferSize),
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// SetDropHook registers a callback invoked whenever a record is dropped
func (r *Recorder) SetDropHook(fn func()) {
	r.onDrop = fn
}

// Record queues one usage row. Never blocks.
func (r *Recorder) Record(record *Record) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	r.enqueue(job{record: record})
}

// TouchLastUsed queues a best-effort last_used_at update
func (r *Recorder) TouchLastUsed(tokenID string, at time.Time) {
	r.enqueue(job{touch: tokenID, at: at})
}

// Close drains queued records and stops the worker
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *Recorder) enqueue(j job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.drop(j)
		return
	}

	select {
	case r.jobs <- j:
	default:
		r.drop(j)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for j := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		switch {
		case j.record != nil:
			if err := r.writer.InsertUsage(ctx, j.record); err != nil {
				r.logger.WithError(err).
					WithField("token_id", j.record.TokenID).
					Warn("usage record write failed")
				if r.onDrop != nil {
					r.onDrop()
				}
			}
		case j.touch != "":
			// last_used_at is opportunistic; losing an update under
			// load has no correctness impact.
			if err := r.writer.TouchLastUsed(ctx, j.touch, j.at); err != nil {
				r.logger.WithError(err).
					WithField("token_id", j.touch).
					Debug("last_used_at touch failed")
			}
		}
		cancel()
	}
}

func (r *Recorder) drop(j job) {
	if j.record == nil {
		return // dropped touches aren't worth a log line
	}
	r.logger.WithField("token_id", j.record.TokenID).
		Warn("usage record dropped")
	if r.onDrop != nil {
		r.onDrop()
	}
}
