package eventstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tripjoin/internal/resilience"
)

// MemoryStore is an in-process Store. With WithLaggingReplica it models an
// eventually consistent replica: reads without Consistent() only observe
// items created at or before the last Replicate call.
type MemoryStore struct {
	mu          sync.Mutex
	items       map[string]map[string]*Item
	changes     []Change
	checkpoints map[string]int64
	dlq         map[string]resilience.DLQEntry
	seq         int64

	lagging    bool
	replicated int64

	nowFunc func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLaggingReplica makes non-consistent reads stale until Replicate is called.
func WithLaggingReplica() MemoryOption {
	return func(m *MemoryStore) { m.lagging = true }
}

// WithClock overrides the clock used for CreatedAt and change timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.nowFunc = now }
}

// NewMemory creates an empty MemoryStore.
func NewMemory(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		items:       make(map[string]map[string]*Item),
		checkpoints: make(map[string]int64),
		dlq:         make(map[string]resilience.DLQEntry),
		nowFunc:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Replicate brings the simulated replica up to date.
func (m *MemoryStore) Replicate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replicated = m.seq
}

func (m *MemoryStore) visible(it *Item, o readOptions) bool {
	return o.consistent || !m.lagging || it.Seq <= m.replicated
}

func (m *MemoryStore) PutIfAbsent(ctx context.Context, item Item) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, eris.Wrap(err, "memory: put item")
	}
	if item.PK == "" || item.SK == "" {
		return false, eris.New("memory: put item: empty key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	part := m.items[item.PK]
	if part == nil {
		part = make(map[string]*Item)
		m.items[item.PK] = part
	}
	if _, exists := part[item.SK]; exists {
		return false, nil
	}

	m.seq++
	item.Seq = m.seq
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.nowFunc().UTC()
	}
	item.Data = append([]byte(nil), item.Data...)
	part[item.SK] = &item
	m.changes = append(m.changes, Change{Seq: m.seq, Kind: ChangeInsert, NewImage: item, At: m.nowFunc().UTC()})
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, pk, sk string, opts ...ReadOption) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "memory: get item")
	}
	o := applyReadOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[pk][sk]
	if !ok || !m.visible(it, o) {
		return nil, nil
	}
	cp := *it
	return &cp, nil
}

func (m *MemoryStore) Query(ctx context.Context, pk string, opts ...ReadOption) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "memory: query partition")
	}
	o := applyReadOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Item
	for _, it := range m.items[pk] {
		if m.visible(it, o) {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SK < out[j].SK })
	return out, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, pk, sk, from, to string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, eris.Wrap(err, "memory: update status")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[pk][sk]
	if !ok || it.Status != from {
		return false, nil
	}
	it.Status = to
	m.seq++
	m.changes = append(m.changes, Change{Seq: m.seq, Kind: ChangeModify, NewImage: *it, At: m.nowFunc().UTC()})
	return true, nil
}

func (m *MemoryStore) Scan(ctx context.Context, f ScanFilter) (ScanPage, error) {
	if err := ctx.Err(); err != nil {
		return ScanPage{}, eris.Wrap(err, "memory: scan")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []Item
	for _, part := range m.items {
		for _, it := range part {
			if it.Seq <= f.Cursor || !matches(it, f) {
				continue
			}
			matched = append(matched, *it)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })

	var page ScanPage
	if len(matched) > f.limit() {
		matched = matched[:f.limit()]
		page.NextCursor = matched[len(matched)-1].Seq
	}
	page.Items = matched
	return page, nil
}

func matches(it *Item, f ScanFilter) bool {
	if f.SKPrefix != "" && !strings.HasPrefix(it.SK, f.SKPrefix) {
		return false
	}
	if f.Status != "" && it.Status != f.Status {
		return false
	}
	if f.Index != "" && it.Index != f.Index {
		return false
	}
	if !f.CreatedBefore.IsZero() && !it.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

func (m *MemoryStore) ReadChanges(ctx context.Context, after int64, limit int) ([]Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "memory: read changes")
	}
	if limit <= 0 {
		limit = defaultScanLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.changes), func(i int) bool { return m.changes[i].Seq > after })
	end := min(i+limit, len(m.changes))
	out := make([]Change, end-i)
	copy(out, m.changes[i:end])
	return out, nil
}

func (m *MemoryStore) LoadCheckpoint(_ context.Context, consumer string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[consumer], nil
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, consumer string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.checkpoints[consumer] {
		m.checkpoints[consumer] = seq
	}
	return nil
}

func (m *MemoryStore) EnqueueDLQ(_ context.Context, entry resilience.DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := m.nowFunc().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}
	m.dlq[entry.ID] = entry
	return nil
}

func (m *MemoryStore) ListDLQ(_ context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []resilience.DLQEntry
	for _, e := range m.dlq {
		if filter.Stage != "" && e.Stage != filter.Stage {
			continue
		}
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultScanLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountDLQ(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range m.dlq {
		counts[e.Stage]++
	}
	return counts, nil
}

func (m *MemoryStore) RemoveDLQ(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dlq[id]; !ok {
		return eris.Wrapf(ErrNotFound, "dead letter %s", id)
	}
	delete(m.dlq, id)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error    { return nil }
func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }
