package etw

import (
	"testing"

	"github.com/tekert/etwlens/internal/test"
)

func TestParseGUID(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   string
		want string
		zero bool
	}{
		{"{22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716}", "{22FB2CD6-0E7B-422B-A0C7-2FAD1FD0E716}", false},
		{"3d6fa8d1-fe05-11d0-9dda-00c04fd7ba7c", "{3D6FA8D1-FE05-11D0-9DDA-00C04FD7BA7C}", false},
		{"{00000000-0000-0000-0000-000000000000}", "{00000000-0000-0000-0000-000000000000}", true},
	} {
		g, err := ParseGUID(tc.in)
		if err != nil {
			t.Fatalf("ParseGUID(%q): %v", tc.in, err)
		}
		if got := g.StringU(); got != tc.want {
			t.Errorf("ParseGUID(%q) = %s, want %s", tc.in, got, tc.want)
		}
		if g.IsZero() != tc.zero {
			t.Errorf("ParseGUID(%q).IsZero() = %v", tc.in, g.IsZero())
		}
	}
}

func TestParseGUIDErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"22fb2cd6-0e7b-422b-a0c7-2fad1fd0e71",
		"22fb2cd6-0e7b-422b-a0c7-2fad1fd0e7166",
		"{22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716",
		"22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716}",
		"22fb2cd6-0e7b-422b-a0c7_2fad1fd0e716",
		"22fb2cd60e7b422ba0c72fad1fd0e716",
		"{22fb2cd6-0e7b-422b-a0c7-2fad1fd0e71z}",
	} {
		if _, err := ParseGUID(in); err == nil {
			t.Errorf("ParseGUID(%q) succeeded, want error", in)
		}
	}
}

func TestGUIDEquality(t *testing.T) {
	t.Parallel()

	tt := test.FromT(t)
	base := EventTraceGuid
	same := base
	tt.Assert(base.Equals(&same) && base == same)

	mutations := []func(*GUID){
		func(g *GUID) { g.Data1 ^= 1 },
		func(g *GUID) { g.Data2 ^= 1 },
		func(g *GUID) { g.Data3 ^= 1 },
	}
	for i := range 8 {
		mutations = append(mutations, func(g *GUID) { g.Data4[i] ^= 0x80 })
	}
	for i, mutate := range mutations {
		other := base
		mutate(&other)
		tt.Assert(!base.Equals(&other), "mutation ", i, " still compares equal")
	}
}

func TestGUIDStringConversion(t *testing.T) {
	tests := []struct {
		name string
		guid GUID
		want string
	}{
		{
			name: "Standard GUID",
			guid: GUID{
				Data1: 0x12345678,
				Data2: 0x9ABC,
				Data3: 0xDEF0,
				Data4: [8]byte{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0},
			},
			want: "{12345678-9ABC-DEF0-1234-56789ABCDEF0}",
		},
		{
			name: "Zero GUID",
			want: "{00000000-0000-0000-0000-000000000000}",
		},
		{
			name: "All Fs GUID",
			guid: GUID{
				Data1: 0xFFFFFFFF,
				Data2: 0xFFFF,
				Data3: 0xFFFF,
				Data4: [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
			},
			want: "{FFFFFFFF-FFFF-FFFF-FFFF-FFFFFFFFFFFF}",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.guid.String(); got != tc.want {
				t.Errorf("String() = %v, want %v", got, tc.want)
			}
			text, _ := tc.guid.MarshalText()
			var back GUID
			if err := back.UnmarshalText(text); err != nil || back != tc.guid {
				t.Errorf("UnmarshalText(%s) = %v, %v", text, back, err)
			}
		})
	}
}

func TestGUIDBytes(t *testing.T) {
	tt := test.FromT(t)
	g := *MustParseGUID("{12345678-9ABC-DEF0-1234-56789ABCDEF0}")
	b := appendGUIDBytes(nil, &g)
	tt.Assert(len(b) == GUIDSize)
	tt.Assert(b[0] == 0x78 && b[3] == 0x12, "Data1 must be little-endian")
	tt.Assert(b[8] == 0x12 && b[15] == 0xF0, "Data4 is stored as is")
	tt.Assert(guidFromBytes(b) == g)
}

var (
	guid1 = MustParseGUID("{13D70263-4226-42DB-9EEF-43D052A43822}")
	guid2 = MustParseGUID("{13D70263-4226-42DB-9EEF-43D052A43822}")
	guid3 = MustParseGUID("{E752D673-035F-422D-833E-262651098568}")
)

func BenchmarkGUIDEquals(b *testing.B) {
	b.Run("Equal", func(b *testing.B) {
		b.ReportAllocs()
		for b.Loop() {
			_ = guid1.Equals(guid2)
		}
	})
	b.Run("NotEqual", func(b *testing.B) {
		b.ReportAllocs()
		for b.Loop() {
			_ = guid1.Equals(guid3)
		}
	})
}

func BenchmarkGUIDString(b *testing.B) {
	g := MustParseGUID("{13D70263-4226-42DB-9EEF-43D052A43822}")
	buf := make([]byte, 0, 38)
	b.ReportAllocs()
	for b.Loop() {
		buf = g.AppendText(buf[:0])
	}
}

func BenchmarkParseGUID(b *testing.B) {
	b.ReportAllocs()
	for b.Loop() {
		_, _ = ParseGUID("{13D70263-4226-42DB-9EEF-43D052A43822}")
	}
}
