package spider

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrQueueEmpty is returned by Dequeue when no task is currently eligible
// for the requested source. Callers poll again after a short delay.
var ErrQueueEmpty = errors.New("task queue: no eligible task")

// TaskQueue is the shared, multi-source backlog of fetch tasks. All mutations
// are atomic with respect to concurrent callers: no two Dequeue calls ever
// return the same live task. Delivery is at-least-once; a task not acked
// within the visibility timeout is returned to the backlog by ReapExpired.
type TaskQueue interface {
	// Enqueue inserts the task unless its (source, key) has already been
	// seen. It reports whether the task was actually inserted.
	Enqueue(ctx context.Context, task Task) (bool, error)
	// Dequeue pops the oldest eligible task for the source, marking it
	// in-flight until Ack or Requeue. Returns ErrQueueEmpty when idle.
	Dequeue(ctx context.Context, source string) (Task, error)
	// Ack finalizes a completed task.
	Ack(ctx context.Context, task Task) error
	// Requeue reschedules a task after the given delay, bumping its attempt
	// counter. The seen-set entry is kept so the key stays deduplicated.
	Requeue(ctx context.Context, task Task, delay time.Duration) error
	// ReapExpired returns tasks whose visibility timeout elapsed to the
	// backlog and reports how many were recovered.
	ReapExpired(ctx context.Context, source string) (int, error)
}

// DedupSet records primary keys the pipeline has already committed.
type DedupSet interface {
	// Add inserts the key for the record kind and reports whether it was
	// absent before the call.
	Add(ctx context.Context, kind RecordKind, key string) (bool, error)
}

// RequestResult buckets a fetch outcome for stats purposes.
type RequestResult string

// Request results.
const (
	ResultSuccess RequestResult = "success"
	ResultFailure RequestResult = "failure"
	ResultBlocked RequestResult = "blocked"
)

// DailyStats is a snapshot of the counters for one calendar day.
type DailyStats struct {
	Day      string                      `json:"day"`
	Requests map[string]int64            `json:"requests"`
	Items    map[string]int64            `json:"items"`
	Sources  map[string]map[string]int64 `json:"sources"`
}

// StatsStore aggregates running totals, keyed by calendar day, readable by
// external monitors.
type StatsStore interface {
	IncrRequest(ctx context.Context, source string, result RequestResult) error
	IncrItems(ctx context.Context, kind RecordKind, n int) error
	IncrRejected(ctx context.Context, kind RecordKind, n int) error
	Snapshot(ctx context.Context, day string) (DailyStats, error)
}

// FetchRequest carries everything a transport needs for one request. The
// identity material is borrowed from the resource pools for the duration of
// this single request.
type FetchRequest struct {
	Task     Task
	URL      string
	Headers  http.Header
	ProxyURL string
}

// Fetcher performs one page fetch. Implementations live at the transport
// boundary and are out of scope for the coordination core.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchOutcome, error)
}

// Extractor turns a clean fetch outcome into records and derived tasks.
type Extractor interface {
	Extract(outcome FetchOutcome) (ExtractResult, error)
}

// Sink persists normalized records. The pipeline writes every batch to all
// configured sinks; one sink failing must not drop the others' writes.
type Sink interface {
	Name() string
	WriteProducts(ctx context.Context, products []Product) error
	WriteComments(ctx context.Context, comments []Comment) error
	WriteShops(ctx context.Context, shops []Shop) error
	Close() error
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
