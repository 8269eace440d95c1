// Package audit keeps a bounded, in-memory trail of client connection events
// and derives summary statistics from it.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sdko-org/linkproxy/internal/metrics"
	"github.com/sirupsen/logrus"
)

const DefaultCapacity = 1000

const archiveQueueSize = 256

type Entry struct {
	ID          string `json:"id"`
	Address     string `json:"ip"`
	Country     string `json:"country"`
	CountryName string `json:"countryName"`
	Key         string `json:"key"`
	UserAgent   string `json:"userAgent"`
	Timestamp   string `json:"timestamp"`
	EventType   string `json:"type"`
}

// Time parses the entry timestamp. ok is false when it is malformed.
func (e Entry) Time() (t time.Time, ok bool) {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	return t, err == nil
}

type Stats struct {
	Total           int            `json:"totalConnections"`
	UniqueAddresses int            `json:"uniqueIPs"`
	TodayCount      int            `json:"todayConnections"`
	PerCountry      map[string]int `json:"topCountries"`
}

// Sink receives a copy of every appended entry.
type Sink interface {
	Archive(ctx context.Context, e Entry) error
}

type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int

	now     func() time.Time
	loc     *time.Location
	sink  Sink
	queue chan archiveItem
	log   *logrus.Entry
}

// archiveItem is either an entry to write or, when done is set, a flush marker.
type archiveItem struct {
	entry Entry
	done  chan struct{}
}

func NewLog(logger *logrus.Logger, capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		now:      time.Now,
		loc:      time.Local,
		log:      logger.WithField("component", "audit_log"),
	}
}

// SetSink mirrors every later append to s. Writes go through a bounded queue
// drained by one goroutine; entries that do not fit are dropped from the
// archive but stay in the log. Call once, before serving traffic.
func (l *Log) SetSink(s Sink) {
	l.setSink(s, archiveQueueSize)
}

func (l *Log) setSink(s Sink, queueSize int) {
	l.sink = s
	l.queue = make(chan archiveItem, queueSize)
	go l.archiveLoop()
}

// SetClock replaces the time source and the zone that defines "today".
func (l *Log) SetClock(now func() time.Time, loc *time.Location) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.loc = loc
}

// Append stores e at the tail, evicting the oldest entries beyond capacity.
// Missing ID and timestamp are filled in. The stored entry is returned.
func (l *Log) Append(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	l.mu.Lock()
	if e.Timestamp == "" {
		e.Timestamp = l.now().Format(time.RFC3339Nano)
	}
	l.entries = append(l.entries, e)
	evicted := 0
	if over := len(l.entries) - l.capacity; over > 0 {
		n := copy(l.entries, l.entries[over:])
		clear(l.entries[n:])
		l.entries = l.entries[:n]
		evicted = over
	}
	metrics.AuditEntries.Set(float64(len(l.entries)))
	l.mu.Unlock()

	if evicted > 0 {
		metrics.AuditEvicted.Add(float64(evicted))
	}
	l.archive(e)
	return e
}

func (l *Log) archive(e Entry) {
	if l.queue == nil {
		return
	}
	select {
	case l.queue <- archiveItem{entry: e}:
	default:
		metrics.AuditArchiveDropped.Inc()
		l.log.WithField("entry_id", e.ID).Warn("Archive queue full, dropping connection log")
	}
}

func (l *Log) archiveLoop() {
	for item := range l.queue {
		if item.done != nil {
			close(item.done)
			continue
		}
		l.write(item.entry)
	}
}

func (l *Log) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.sink.Archive(ctx, e); err != nil {
		metrics.AuditArchiveFailures.Inc()
		l.log.WithError(err).WithField("entry_id", e.ID).Warn("Failed to archive connection log")
	}
}

// Flush waits until every entry queued before the call has been archived.
func (l *Log) Flush() {
	if l.queue == nil {
		return
	}
	done := make(chan struct{})
	l.queue <- archiveItem{done: done}
	<-done
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// List returns a copy of all entries, newest first. Entries with a malformed
// timestamp sort after every well-formed one, keeping insertion order among themselves.
func (l *Log) List() []Entry {
	l.mu.RLock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	l.mu.RUnlock()

	type keyed struct {
		t  time.Time
		ok bool
	}
	keys := make([]keyed, len(out))
	for i := range out {
		keys[i].t, keys[i].ok = out[i].Time()
	}
	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := keys[idx[a]], keys[idx[b]]
		if ka.ok != kb.ok {
			return ka.ok
		}
		if !ka.ok {
			return false
		}
		if ka.t.Equal(kb.t) {
			return idx[a] > idx[b]
		}
		return ka.t.After(kb.t)
	})

	sorted := make([]Entry, len(out))
	for i, j := range idx {
		sorted[i] = out[j]
	}
	return sorted
}

func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	today := l.now().In(l.loc)
	ty, tm, td := today.Date()

	stats := Stats{
		Total:      len(l.entries),
		PerCountry: make(map[string]int),
	}
	addresses := make(map[string]struct{}, len(l.entries))
	for _, e := range l.entries {
		addresses[e.Address] = struct{}{}
		stats.PerCountry[e.Country]++

		t, ok := e.Time()
		if !ok {
			continue
		}
		y, m, d := t.In(l.loc).Date()
		if y == ty && m == tm && d == td {
			stats.TodayCount++
		}
	}
	stats.UniqueAddresses = len(addresses)
	return stats
}
