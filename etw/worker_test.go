package etw

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tekert/etwlens/internal/test"
)

// memOpener opens a fresh memSource over the same records on every call.
type memOpener struct {
	mu      sync.Mutex
	recs    []*RawRecord
	opened  []*memSource
	openErr error
}

func (o *memOpener) Open(ctx context.Context) (RecordSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	src := newMemSource(o.recs...)
	o.opened = append(o.opened, src)
	return src, nil
}

func workerFixture(t *testing.T, opener SourceOpener, opts ...WorkerOption) *DecodeWorker {
	md := mustManifest(testProvider, []EventDef{
		{ID: 1, Properties: []PropertyDef{{Name: "Seq", InType: TDH_INTYPE_UINT32}}},
		{ID: 2, Properties: []PropertyDef{{Name: "Name", InType: TDH_INTYPE_UNICODESTRING}}},
	})
	w := NewDecodeWorker(opener, NewSchemaResolver(md, nil), NewDecoder(md), opts...)
	t.Cleanup(func() {
		w.Shutdown()
		w.Join()
	})
	return w
}

func waitBatch(t *testing.T, w *DecodeWorker) Batch {
	t.Helper()
	got := make(chan Batch, 1)
	go func() {
		b, ok := w.Wait()
		if ok {
			got <- b
		}
		close(got)
	}()
	select {
	case b, ok := <-got:
		if !ok {
			t.Fatal("worker exited without a batch")
		}
		return b
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a batch")
	}
	return Batch{}
}

func TestDecodeWorkerBatches(t *testing.T) {
	tt := test.FromT(t)
	opener := &memOpener{recs: []*RawRecord{
		newRecord(testProvider, 1, 0, payload{}.u32(1)),
		newRecord(testProvider, 2, 0, payload{}.wstr("first")),
		newRecord(testProvider, 1, 0, payload{}.u32(2)),
		newRecord(testProvider, 2, 0, payload{}.wstr("second")),
		newRecord(testProvider, 1, 0, payload{}.u32(3)),
	}}
	reg := prometheus.NewPedanticRegistry()
	m, err := NewMetrics(reg)
	tt.CheckErr(err)
	w := workerFixture(t, opener, WithMaxMatches(2), WithWorkerMetrics(m))

	k1 := EventKey{Provider: testProvider, ID: 1}
	k2 := EventKey{Provider: testProvider, ID: 2}
	w.Submit(k1)
	w.Submit(k2)

	b1 := waitBatch(t, w)
	b2 := waitBatch(t, w)
	tt.CheckErr(b1.Err)
	tt.CheckErr(b2.Err)

	tt.Assert(b1.Filter == k1 && b2.Filter == k2, "batches must come back in submit order")
	tt.Assert(len(b1.Records) == 2, "max matches must cap the batch")
	tt.Assert(b1.Records[1].Properties[0].Value == "2")
	tt.Assert(len(b2.Records) == 2)
	tt.Assert(b2.Records[0].Properties[0].Value == "first")
	tt.Assert(b1.ID.Compare(b2.ID) < 0, "batch ids must increase")

	opener.mu.Lock()
	opened := opener.opened
	opener.mu.Unlock()
	tt.Assert(len(opened) == 2, "every request reopens the source")
	for _, src := range opened {
		tt.Assert(src.closed, "sources must be closed after use")
	}
	tt.Assert(testutil.ToFloat64(m.batches.WithLabelValues(outcomeOK)) == 2)
}

func TestDecodeWorkerOpenFailure(t *testing.T) {
	tt := test.FromT(t)
	opener := &memOpener{openErr: errors.New("no such file")}
	m, err := NewMetrics(prometheus.NewRegistry())
	tt.CheckErr(err)
	w := workerFixture(t, opener, WithWorkerMetrics(m))

	w.Submit(EventKey{Provider: testProvider, ID: 1})
	b := waitBatch(t, w)
	tt.ExpectErr(b.Err, ErrSourceOpen)
	tt.Assert(len(b.Records) == 0)
	tt.Assert(testutil.ToFloat64(m.batches.WithLabelValues(outcomeOpenFailed)) == 1)
}

func TestDecodeWorkerProcessingFailure(t *testing.T) {
	tt := test.FromT(t)
	var calls int
	opener := SourceOpenerFunc(func(ctx context.Context) (RecordSource, error) {
		calls++
		src := newMemSource(
			newRecord(testProvider, 1, 0, payload{}.u32(1)),
			newRecord(testProvider, 1, 0, payload{}.u32(2)),
		)
		src.failAt, src.failErr = 1, errors.New("truncated buffer")
		return src, nil
	})
	w := workerFixture(t, opener)

	w.Submit(EventKey{Provider: testProvider, ID: 1})
	b := waitBatch(t, w)
	tt.ExpectErr(b.Err, ErrSourceProcessing)
	tt.Assert(len(b.Records) == 1, "partial records are kept")
	tt.Assert(calls == 1)
}

func TestDecodeWorkerShutdown(t *testing.T) {
	tt := test.FromT(t)
	opener := &memOpener{recs: []*RawRecord{newRecord(testProvider, 1, 0, payload{}.u32(1))}}
	md := mustManifest(testProvider, []EventDef{
		{ID: 1, Properties: []PropertyDef{{Name: "Seq", InType: TDH_INTYPE_UINT32}}},
	})
	w := NewDecodeWorker(opener, NewSchemaResolver(md, nil), NewDecoder(md))

	w.Submit(EventKey{Provider: testProvider, ID: 1})
	b := waitBatch(t, w)
	tt.CheckErr(b.Err)

	w.Shutdown()
	done := make(chan struct{})
	go func() {
		w.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit after Shutdown")
	}

	_, ok := w.Wait()
	tt.Assert(!ok, "Wait must return false once the worker exited and outputs are drained")
	_, ok = w.Poll()
	tt.Assert(!ok)
}

func TestDecodeWorkerZeroFilter(t *testing.T) {
	tt := test.FromT(t)
	opener := &memOpener{}
	w := workerFixture(t, opener)

	w.Submit(ZeroKey)
	w.Submit(EventKey{Provider: testProvider, ID: 1})
	b := waitBatch(t, w)
	tt.Assert(b.Filter.ID == 1, "a zero filter produces no batch")

	opener.mu.Lock()
	defer opener.mu.Unlock()
	tt.Assert(len(opener.opened) == 1, "a zero filter must not open the source")
}

func TestBatchIDsMonotonic(t *testing.T) {
	tt := test.FromT(t)
	prev := newBatchID()
	for range 1000 {
		id := newBatchID()
		tt.Assert(prev.Compare(id) < 0, prev, " >= ", id)
		prev = id
	}
}

func TestRequestKindString(t *testing.T) {
	tt := test.FromT(t)
	tt.Assert(RequestFilter.String() == "filter")
	tt.Assert(RequestShutdown.String() == "shutdown")
	tt.Assert(RequestKind(9).String() == "UNKNOWN")
}
