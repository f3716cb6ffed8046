/*
Package logsampler decides which hot path log events are written.

It is meant for loops where one bad input can repeat millions of times, such
as per-property decode failures. Each key logs once, then backs off
exponentially, and the number of suppressed events is reported with the next
log or through a SummaryReporter when the key goes stale.
*/
package logsampler

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// BackoffConfig defines the parameters for the exponential backoff strategy.
type BackoffConfig struct {
	InitialInterval time.Duration // quiet window after the first log of a key
	MaxInterval     time.Duration // upper bound of the quiet window
	Factor          float64       // window growth factor, e.g. 2.0
	// ResetInterval is the inactivity after which a key starts over at
	// InitialInterval and is eligible for eviction. Zero disables it.
	ResetInterval time.Duration
}

// SummaryReporter receives the suppressed count of keys that are evicted or
// flushed without another log to carry it.
type SummaryReporter interface {
	LogSummary(key string, suppressedCount int64)
}

// Sampler decides if a log event should be written.
type Sampler interface {
	// ShouldLog reports whether to log and, if so, how many events of the
	// same key were suppressed since the last one.
	ShouldLog(key string, err error) (bool, int64)
	// Flush reports every pending suppressed count.
	Flush()
	// Close flushes one last time and releases the sampler.
	Close()
}

// RateSampler logs one event out of every rate inside each window.
type RateSampler struct {
	rate   int64
	window int64
	count  atomic.Int64
	last   atomic.Int64
}

// NewRateSampler creates a new rate sampler.
func NewRateSampler(rate int, window time.Duration) *RateSampler {
	s := &RateSampler{rate: int64(max(rate, 1)), window: int64(window)}
	s.last.Store(time.Now().UnixNano())
	return s
}

// ShouldLog implements Sampler. It does not track suppressed counts.
func (s *RateSampler) ShouldLog(key string, err error) (bool, int64) {
	now := time.Now().UnixNano()
	lastReset := s.last.Load()
	if now-lastReset > s.window && s.last.CompareAndSwap(lastReset, now) {
		s.count.Store(0)
	}
	return (s.count.Add(1)-1)%s.rate == 0, 0
}

func (s *RateSampler) Flush() {}
func (s *RateSampler) Close() {}

// EventDrivenConfig configures an EventDrivenSampler.
type EventDrivenConfig struct {
	Backoff  BackoffConfig
	Reporter SummaryReporter
	// MaxKeys bounds the tracked keys; the least recently used key is
	// evicted past it. Zero means unbounded.
	MaxKeys int
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

type keyState struct {
	key        string
	suppressed int64
	lastLog    int64
	window     int64
}

// EventDrivenSampler applies exponential backoff per key without any
// background goroutine. Stale keys are swept while handling new events,
// oldest first, using an LRU list.
type EventDrivenSampler struct {
	cfg  EventDrivenConfig
	mu   sync.Mutex
	keys map[string]*list.Element
	lru  *list.List // front is the most recently used
}

// NewEventDrivenSampler creates a sampler. A nil Reporter drops summaries.
func NewEventDrivenSampler(cfg EventDrivenConfig) *EventDrivenSampler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Backoff.Factor < 1 {
		cfg.Backoff.Factor = 1
	}
	return &EventDrivenSampler{
		cfg:  cfg,
		keys: make(map[string]*list.Element, 64),
		lru:  list.New(),
	}
}

func (s *EventDrivenSampler) report(st *keyState) {
	if st.suppressed > 0 && s.cfg.Reporter != nil {
		s.cfg.Reporter.LogSummary(st.key, st.suppressed)
	}
	st.suppressed = 0
}

// ShouldLog implements Sampler.
func (s *EventDrivenSampler) ShouldLog(key string, err error) (bool, int64) {
	now := s.cfg.Now().UnixNano()
	b := &s.cfg.Backoff

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(now)

	el, ok := s.keys[key]
	if !ok {
		s.keys[key] = s.lru.PushFront(&keyState{key: key, lastLog: now, window: int64(b.InitialInterval)})
		if s.cfg.MaxKeys > 0 && s.lru.Len() > s.cfg.MaxKeys {
			s.evict(s.lru.Back())
		}
		return true, 0
	}
	s.lru.MoveToFront(el)
	st := el.Value.(*keyState)

	if b.ResetInterval > 0 && now-st.lastLog > int64(b.ResetInterval) {
		suppressed := st.suppressed
		st.suppressed, st.lastLog, st.window = 0, now, int64(b.InitialInterval)
		return true, suppressed
	}
	if now-st.lastLog > st.window {
		suppressed := st.suppressed
		st.suppressed, st.lastLog = 0, now
		next := int64(float64(st.window) * b.Factor)
		if b.MaxInterval > 0 && next > int64(b.MaxInterval) {
			next = int64(b.MaxInterval)
		}
		st.window = next
		return true, suppressed
	}
	st.suppressed++
	return false, 0
}

// sweep evicts keys idle for longer than ResetInterval. Must hold mu.
func (s *EventDrivenSampler) sweep(now int64) {
	reset := int64(s.cfg.Backoff.ResetInterval)
	if reset <= 0 {
		return
	}
	for el := s.lru.Back(); el != nil; el = s.lru.Back() {
		if now-el.Value.(*keyState).lastLog <= reset {
			return
		}
		s.evict(el)
	}
}

func (s *EventDrivenSampler) evict(el *list.Element) {
	st := s.lru.Remove(el).(*keyState)
	delete(s.keys, st.key)
	s.report(st)
}

// Len returns the number of tracked keys.
func (s *EventDrivenSampler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Flush reports every suppressed count and forgets all keys.
func (s *EventDrivenSampler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for el := s.lru.Front(); el != nil; el = el.Next() {
		s.report(el.Value.(*keyState))
	}
	clear(s.keys)
	s.lru.Init()
}

// Close is equivalent to Flush for this sampler.
func (s *EventDrivenSampler) Close() {
	s.Flush()
}
