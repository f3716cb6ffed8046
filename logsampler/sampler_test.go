package logsampler_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	sampler "github.com/tekert/etwlens/logsampler"
)

type mockReporter struct {
	mu        sync.Mutex
	summaries map[string]int64
}

func newMockReporter() *mockReporter {
	return &mockReporter{summaries: make(map[string]int64)}
}

func (r *mockReporter) LogSummary(key string, suppressedCount int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries[key] += suppressedCount
}

func (r *mockReporter) get(key string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.summaries[key]
	return n, ok
}

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestSampler(b sampler.BackoffConfig, maxKeys int) (*sampler.EventDrivenSampler, *mockReporter, *mockClock) {
	clk := &mockClock{now: time.Unix(1_700_000_000, 0)}
	rep := newMockReporter()
	s := sampler.NewEventDrivenSampler(sampler.EventDrivenConfig{
		Backoff:  b,
		Reporter: rep,
		MaxKeys:  maxKeys,
		Now:      clk.Now,
	})
	return s, rep, clk
}

func TestEventDrivenSampler(t *testing.T) {
	t.Run("LogsFirstAndSuppressesSecond", func(t *testing.T) {
		s, _, _ := newTestSampler(sampler.BackoffConfig{InitialInterval: 100 * time.Millisecond}, 0)
		if should, _ := s.ShouldLog("key1", nil); !should {
			t.Fatal("First log should pass")
		}
		if should, _ := s.ShouldLog("key1", nil); should {
			t.Fatal("Second log within window should be suppressed")
		}
	})

	t.Run("ReportsSuppressedAfterWindow", func(t *testing.T) {
		s, _, clk := newTestSampler(sampler.BackoffConfig{InitialInterval: 100 * time.Millisecond}, 0)
		s.ShouldLog("key1", nil)
		for range 5 {
			s.ShouldLog("key1", nil)
		}
		clk.Advance(110 * time.Millisecond)
		should, suppressed := s.ShouldLog("key1", nil)
		if !should || suppressed != 5 {
			t.Fatalf("ShouldLog = (%v, %d), want (true, 5)", should, suppressed)
		}
	})

	t.Run("AppliesExponentialBackoff", func(t *testing.T) {
		s, _, clk := newTestSampler(sampler.BackoffConfig{
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     150 * time.Millisecond,
			Factor:          2.0,
		}, 0)

		steps := []struct {
			advance time.Duration
			want    bool
		}{
			{0, true},
			{40 * time.Millisecond, false},  // inside 50ms
			{20 * time.Millisecond, true},   // window grows to 100ms
			{80 * time.Millisecond, false},  // inside 100ms
			{30 * time.Millisecond, true},   // window capped at 150ms
			{140 * time.Millisecond, false}, // inside 150ms
			{20 * time.Millisecond, true},
		}
		for i, st := range steps {
			clk.Advance(st.advance)
			if got, _ := s.ShouldLog("key1", nil); got != st.want {
				t.Fatalf("step %d: ShouldLog = %v, want %v", i, got, st.want)
			}
		}
	})

	t.Run("StaleKeysAreSummarizedAndEvicted", func(t *testing.T) {
		s, rep, clk := newTestSampler(sampler.BackoffConfig{
			InitialInterval: time.Second,
			ResetInterval:   time.Minute,
		}, 0)
		s.ShouldLog("stale", nil)
		s.ShouldLog("stale", nil)
		s.ShouldLog("stale", nil)

		clk.Advance(2 * time.Minute)
		s.ShouldLog("fresh", nil)

		if n, ok := rep.get("stale"); !ok || n != 2 {
			t.Fatalf("summary for stale = (%d, %v), want (2, true)", n, ok)
		}
		if s.Len() != 1 {
			t.Fatalf("Len = %d, want 1", s.Len())
		}
	})

	t.Run("MaxKeysEvictsLeastRecentlyUsed", func(t *testing.T) {
		s, rep, _ := newTestSampler(sampler.BackoffConfig{InitialInterval: time.Hour}, 2)
		s.ShouldLog("a", nil)
		s.ShouldLog("a", nil) // suppressed
		s.ShouldLog("b", nil)
		s.ShouldLog("c", nil) // evicts a

		if n, _ := rep.get("a"); n != 1 {
			t.Fatalf("summary for a = %d, want 1", n)
		}
		if s.Len() != 2 {
			t.Fatalf("Len = %d, want 2", s.Len())
		}
	})

	t.Run("FlushReportsAndResets", func(t *testing.T) {
		s, rep, _ := newTestSampler(sampler.BackoffConfig{InitialInterval: time.Hour}, 0)
		for range 4 {
			s.ShouldLog("k", nil)
		}
		s.Flush()
		if n, _ := rep.get("k"); n != 3 {
			t.Fatalf("summary = %d, want 3", n)
		}
		if should, _ := s.ShouldLog("k", nil); !should {
			t.Fatal("key should log again after Flush")
		}
	})
}

func TestEventDrivenSamplerConcurrent(t *testing.T) {
	s, _, _ := newTestSampler(sampler.BackoffConfig{InitialInterval: time.Hour}, 16)
	var wg sync.WaitGroup
	var logged sync.Map
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 1000 {
				key := fmt.Sprintf("k%d", (g+i)%4)
				if ok, _ := s.ShouldLog(key, nil); ok {
					logged.Store(key, true)
				}
			}
		}()
	}
	wg.Wait()
	n := 0
	logged.Range(func(_, _ any) bool { n++; return true })
	if n != 4 {
		t.Fatalf("logged %d distinct keys, want 4", n)
	}
}

func TestRateSampler(t *testing.T) {
	s := sampler.NewRateSampler(3, time.Hour)
	var passed int
	for range 9 {
		if ok, _ := s.ShouldLog("any", nil); ok {
			passed++
		}
	}
	if passed != 3 {
		t.Fatalf("passed %d of 9, want 3", passed)
	}
}

func BenchmarkSamplers(b *testing.B) {
	b.Run("EventDriven", func(b *testing.B) {
		s := sampler.NewEventDrivenSampler(sampler.EventDrivenConfig{
			Backoff: sampler.BackoffConfig{InitialInterval: time.Second, Factor: 2},
		})
		b.ReportAllocs()
		for b.Loop() {
			s.ShouldLog("hot", nil)
		}
	})
	b.Run("Rate", func(b *testing.B) {
		s := sampler.NewRateSampler(100, time.Second)
		b.ReportAllocs()
		for b.Loop() {
			s.ShouldLog("hot", nil)
		}
	})
}
