package etw

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tekert/etwlens/internal/test"
)

func sessionFixture() (*Manifest, *Session) {
	md := mustManifest(testProvider, []EventDef{
		{ID: 1, Properties: []PropertyDef{{Name: "Seq", InType: TDH_INTYPE_UINT32}}},
		{ID: 2, Properties: []PropertyDef{{Name: "Other", InType: TDH_INTYPE_UINT32}}},
	})
	return md, NewSession(NewSchemaResolver(md, nil), NewDecoder(md))
}

func TestSessionFilterAndCap(t *testing.T) {
	tt := test.FromT(t)
	_, s := sessionFixture()
	k1 := EventKey{Provider: testProvider, ID: 1}

	src := newMemSource(
		newRecord(testProvider, 1, 0, payload{}.u32(10)),
		newRecord(testProvider, 1, 0, payload{}.u32(11)),
		newRecord(testProvider, 2, 0, payload{}.u32(20)),
		newRecord(testProvider, 1, 0, payload{}.u32(12)),
		newRecord(testProvider, 2, 0, payload{}.u32(21)),
	)
	src.recs[0].Timestamp = 100
	src.recs[1].Timestamp = 101

	got, err := s.Run(tt.Context(), src, k1, 2)
	tt.CheckErr(err)

	want := []EventRecord{
		{Key: k1, Timestamp: 100, Properties: []PropertyValue{{"Seq", "10"}}},
		{Key: k1, Timestamp: 101, Properties: []PropertyValue{{"Seq", "11"}}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	tt.Assert(src.stops == 1, "stop must be signalled once, got ", src.stops)
	tt.Assert(src.reads == 2, "no record may be read after the cap, read ", src.reads)
}

func TestSessionReadsToEnd(t *testing.T) {
	tt := test.FromT(t)
	_, s := sessionFixture()
	k2 := EventKey{Provider: testProvider, ID: 2}
	src := newMemSource(
		newRecord(testProvider, 1, 0, payload{}.u32(10)),
		newRecord(testProvider, 2, 0, payload{}.u32(20)),
		newRecord(otherProvider, 2, 0, payload{}.u32(99)),
		newRecord(testProvider, 2, 0, payload{}.u32(21)),
	)
	got, err := s.Run(tt.Context(), src, k2, 100)
	tt.CheckErr(err)
	tt.Assert(len(got) == 2)
	tt.Assert(got[1].Properties[0].Value == "21")
	tt.Assert(src.stops == 0)
}

func TestSessionZeroFilter(t *testing.T) {
	tt := test.FromT(t)
	_, s := sessionFixture()
	src := newMemSource(newRecord(testProvider, 1, 0, payload{}.u32(1)))

	got, err := s.Run(tt.Context(), src, ZeroKey, 100)
	tt.CheckErr(err)
	tt.Assert(len(got) == 0)
	tt.Assert(src.reads == 0, "a zero filter must not read the source")

	got, err = s.Run(tt.Context(), src, EventKey{Provider: testProvider, ID: 1}, 0)
	tt.CheckErr(err)
	tt.Assert(len(got) == 0 && src.reads == 0)
}

func TestSessionSkips(t *testing.T) {
	tt := test.FromT(t)
	_, s := sessionFixture()
	k3 := EventKey{Provider: testProvider, ID: 3}

	header := newRecord(EventTraceGuid, 0, 0, nil)
	unknown := newRecord(testProvider, 3, 0, payload{}.u32(1))
	str := newRecord(testProvider, 3, 0, payload{}.wstr("free text"))
	str.Flags = EVENT_HEADER_FLAG_STRING_ONLY

	got, err := s.Run(tt.Context(), newMemSource(header, unknown, str), k3, 10)
	tt.CheckErr(err)
	want := []EventRecord{{Key: k3, Properties: []PropertyValue{{"WriteString", "free text"}}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	got, err = s.Run(tt.Context(), newMemSource(header), EventKey{Provider: EventTraceGuid}, 10)
	tt.CheckErr(err)
	tt.Assert(len(got) == 0, "trace headers never match")
}

func TestSessionSourceError(t *testing.T) {
	tt := test.FromT(t)
	_, s := sessionFixture()
	src := newMemSource(
		newRecord(testProvider, 1, 0, payload{}.u32(1)),
		newRecord(testProvider, 1, 0, payload{}.u32(2)),
	)
	src.failAt, src.failErr = 1, errors.New("corrupt buffer")

	got, err := s.Run(tt.Context(), src, EventKey{Provider: testProvider, ID: 1}, 10)
	tt.ExpectErr(err, ErrSourceProcessing)
	tt.Assert(len(got) == 1, "records before the failure are kept")
}

func TestSessionCancel(t *testing.T) {
	tt := test.FromT(t)
	_, s := sessionFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := newMemSource(newRecord(testProvider, 1, 0, payload{}.u32(1)))
	_, err := s.Run(ctx, src, EventKey{Provider: testProvider, ID: 1}, 10)
	tt.ExpectErr(err, context.Canceled)
	tt.Assert(src.stops == 1)
}

func TestSessionRecordsEarlyBreak(t *testing.T) {
	tt := test.FromT(t)
	_, s := sessionFixture()
	k1 := EventKey{Provider: testProvider, ID: 1}
	src := newMemSource(
		newRecord(testProvider, 1, 0, payload{}.u32(1)),
		newRecord(testProvider, 1, 0, payload{}.u32(2)),
		newRecord(testProvider, 1, 0, payload{}.u32(3)),
	)
	n := 0
	for _, err := range s.Records(tt.Context(), src, k1, 10) {
		tt.CheckErr(err)
		n++
		break
	}
	tt.Assert(n == 1)
	tt.Assert(src.stops == 1, "breaking out of the loop stops the source")
	tt.Assert(src.reads == 1)
}
