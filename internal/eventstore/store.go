// Package eventstore defines the durable key-value store the ingestor and
// matcher share, with memory, SQLite and Postgres backends and an ordered
// change feed.
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tripjoin/internal/resilience"
)

// ErrNotFound is returned when a keyed delete matches nothing.
var ErrNotFound = eris.New("not found")

// Item is one stored record under a (partition key, sort key) identity.
type Item struct {
	PK string `json:"pk"`
	SK string `json:"sk"`

	// Status is the conditional-update field (processing_state for raw facts).
	Status string `json:"status,omitempty"`
	// Index is the secondary index value (completion_date for completed trips).
	Index string `json:"index,omitempty"`

	// Seq is assigned by the store when the item is created and never changes.
	Seq       int64           `json:"seq"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// ChangeKind distinguishes creations from conditional updates in the feed.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeModify ChangeKind = "MODIFY"
)

// Change is one entry of the change feed. Seq is strictly increasing in
// commit order.
type Change struct {
	Seq      int64      `json:"seq"`
	Kind     ChangeKind `json:"kind"`
	NewImage Item       `json:"new_image"`
	At       time.Time  `json:"at"`
}

// ScanFilter selects items for a paginated scan. Zero fields match everything.
type ScanFilter struct {
	SKPrefix      string
	Status        string
	Index         string
	CreatedBefore time.Time
	Cursor        int64
	Limit         int
}

// ScanPage is one page of scan results. NextCursor is zero on the last page.
type ScanPage struct {
	Items      []Item
	NextCursor int64
}

const defaultScanLimit = 100

func (f ScanFilter) limit() int {
	if f.Limit <= 0 {
		return defaultScanLimit
	}
	return f.Limit
}

type readOptions struct {
	consistent bool
}

// ReadOption tunes a read.
type ReadOption func(*readOptions)

// Consistent requests a strongly consistent read that observes every
// acknowledged write.
func Consistent() ReadOption {
	return func(o *readOptions) { o.consistent = true }
}

func applyReadOptions(opts []ReadOption) readOptions {
	var o readOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ChangeFeed exposes the ordered log of item changes and durable consumer
// checkpoints.
type ChangeFeed interface {
	ReadChanges(ctx context.Context, after int64, limit int) ([]Change, error)
	LoadCheckpoint(ctx context.Context, consumer string) (int64, error)
	SaveCheckpoint(ctx context.Context, consumer string, seq int64) error
}

// DeadLetters is the operator-visible sink for rejected events and failed merges.
type DeadLetters interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	// CountDLQ returns dead-letter depth keyed by stage.
	CountDLQ(ctx context.Context) (map[string]int, error)
	RemoveDLQ(ctx context.Context, id string) error
}

// Store is the event store contract.
type Store interface {
	// PutIfAbsent creates item unless (PK, SK) exists. created is false when
	// the condition failed; that is not an error.
	PutIfAbsent(ctx context.Context, item Item) (created bool, err error)
	// Get returns nil, nil when the item does not exist.
	Get(ctx context.Context, pk, sk string, opts ...ReadOption) (*Item, error)
	// Query returns every item in a partition ordered by sort key.
	Query(ctx context.Context, pk string, opts ...ReadOption) ([]Item, error)
	// UpdateStatus sets Status to "to" only if it currently equals "from".
	UpdateStatus(ctx context.Context, pk, sk, from, to string) (updated bool, err error)
	Scan(ctx context.Context, filter ScanFilter) (ScanPage, error)

	ChangeFeed
	DeadLetters

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// ScanPages pages through a scan and calls fn once per non-empty page. It
// stops at the first error returned by the store or by fn.
func ScanPages(ctx context.Context, s Store, filter ScanFilter, fn func([]Item) error) error {
	for {
		page, err := s.Scan(ctx, filter)
		if err != nil {
			return err
		}
		if len(page.Items) > 0 {
			if err := fn(page.Items); err != nil {
				return err
			}
		}
		if page.NextCursor == 0 {
			return nil
		}
		filter.Cursor = page.NextCursor
	}
}

// ScanAll is ScanPages for callers that handle one item at a time.
func ScanAll(ctx context.Context, s Store, filter ScanFilter, fn func(Item) error) error {
	return ScanPages(ctx, s, filter, func(items []Item) error {
		for _, it := range items {
			if err := fn(it); err != nil {
				return err
			}
		}
		return nil
	})
}
