package tmpl

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestCompileSyntax(t *testing.T) {
	for _, p := range []string{"{", "a}b", "{a", "{}", "{0}", "{a.b}", "{a{b}}"} {
		_, err := Compile(p)
		require.ErrorIs(t, err, ErrSyntax, p)
	}
	tp := MustCompile("{{literal}} {a}/{b:>4}")
	require.Equal(t, []string{"a", "b"}, tp.Names())
}

func TestCompileParserAmbiguous(t *testing.T) {
	for _, p := range []string{"{a}{b}", "{a}/{a}", "x{a:d}{b}"} {
		_, err := CompileParser(p)
		require.ErrorIs(t, err, ErrAmbiguous, p)
	}
	_, err := CompileParser("{a:>5d}")
	require.ErrorIs(t, err, ErrSyntax)

	// Render-only templates may repeat and abut placeholders.
	tp := MustCompile("{a}{a}")
	out, err := tp.Render(Binding{"a": 1})
	require.NoError(t, err)
	require.Equal(t, "11", out)
	_, err = tp.Parse("11")
	require.ErrorIs(t, err, ErrAmbiguous)
}

func TestRender(t *testing.T) {
	dt := time.Date(2024, 3, 5, 14, 7, 9, 250000000, time.UTC)
	b := Binding{
		"i":   int64(42),
		"n":   int64(-7),
		"u":   uint64(255),
		"f":   21.5,
		"one": 1.0,
		"big": 1e16,
		"ok":  true,
		"s":   "hi",
		"dt":  dt,
	}
	cases := []struct {
		pattern string
		want    string
	}{
		{"t/{i}", "t/42"},
		{"{n}", "-7"},
		{"{f}", "21.5"},
		{"{one}", "1.0"},
		{"{big}", "1e+16"},
		{"{ok}", "True"},
		{"{s}", "hi"},
		{"{{{s}}}", "{hi}"},
		{"{dt}", "2024-03-05 14:07:09.250000"},
		{"{dt:%H:%M}", "14:07"},
		{"{i:05d}", "00042"},
		{"{n:05d}", "-0007"},
		{"{u:x}", "ff"},
		{"{u:#X}", "0XFF"},
		{"{u:#010b}", "0b11111111"},
		{"{u:o}", "377"},
		{"{i:+d}", "+42"},
		{"{i:>6}", "    42"},
		{"{i:*^6}", "**42**"},
		{"{s:<4}|", "hi  |"},
		{"{s:.1}", "h"},
		{"{f:.2f}", "21.50"},
		{"{f:8.3f}", "  21.500"},
		{"{f:e}", "2.150000e+01"},
		{"{f:g}", "21.5"},
		{"{f:.0%}", "2150%"},
		{"{i:,}", "42"},
		{"{big:,.0f}", "10,000,000,000,000,000"},
		{"{i:f}", "42.000000"},
		{"{ok:d}", "1"},
		{"{i:c}", "*"},
	}
	for _, tc := range cases {
		got, err := MustCompile(tc.pattern).Render(b)
		require.NoError(t, err, tc.pattern)
		require.Equal(t, tc.want, got, tc.pattern)
	}
}

func TestRenderErrors(t *testing.T) {
	_, err := MustCompile("t/{missing}").Render(Binding{"a": 1})
	require.ErrorIs(t, err, ErrUnresolved)

	for _, p := range []string{"{s:d}", "{i:s}", "{i:.2d}", "{f:d}", "{s:+}", "{i:5.}"} {
		_, err := MustCompile(p).Render(Binding{"s": "x", "i": 1, "f": 1.5})
		require.ErrorIs(t, err, ErrFormat, p)
	}
}

func TestReprFloat(t *testing.T) {
	cases := map[float64]string{
		0:                     "0.0",
		0.1:                   "0.1",
		-2.5:                  "-2.5",
		1e-5:                  "1e-05",
		0.0001:                "0.0001",
		123456789.0:           "123456789.0",
		1.5e300:               "1.5e+300",
		math.Inf(1):           "inf",
		float64(float32(0.1)): "0.10000000149011612",
	}
	for f, want := range cases {
		require.Equal(t, want, reprFloat(f))
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		pattern string
		input   string
		want    Binding
	}{
		{"{id:d},{v:d}", "5,9", Binding{"id": int64(5), "v": int64(9)}},
		{"{id:d},{v:d}", "0x1F,-3", Binding{"id": int64(31), "v": int64(-3)}},
		{"cmd/{dev}", "cmd/kitchen/lamp", Binding{"dev": "kitchen/lamp"}},
		{"{a}/{b}", "x/y/z", Binding{"a": "x", "b": "y/z"}},
		{"{h:x}", "0xff", Binding{"h": int64(255)}},
		{"{h:x}", "FF", Binding{"h": int64(255)}},
		{"{o:o}|{b:b}", "17|0b101", Binding{"o": int64(15), "b": int64(5)}},
		{"t={t:f}C", "t=-21.5C", Binding{"t": -21.5}},
		{"{v:g}", "1e3", Binding{"v": 1000.0}},
		{"{v:e}", "2.5E-1", Binding{"v": 0.25}},
		{"{w:w}-{l:l}", "ab_1-xyz", Binding{"w": "ab_1", "l": "xyz"}},
		{"{s:S} end", "a/b end", Binding{"s": "a/b"}},
		{"{big:d}", "18446744073709551615", Binding{"big": uint64(math.MaxUint64)}},
		{"literal", "literal", Binding{}},
	}
	for _, tc := range cases {
		tp, err := CompileParser(tc.pattern)
		require.NoError(t, err, tc.pattern)
		got, err := tp.Parse(tc.input)
		require.NoError(t, err, "%s <- %s", tc.pattern, tc.input)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("%s <- %s (-want +got):\n%s", tc.pattern, tc.input, diff)
		}
	}
}

func TestParseNoMatch(t *testing.T) {
	cases := []struct{ pattern, input string }{
		{"{id:d},{v:d}", "5;9"},
		{"{id:d},{v:d}", "a,9"},
		{"{id:d},{v:d}", "5,9,"},
		{"{t:f}", "21"},
		{"{v:e}", "2.5"},
		{"{l:l}", "abc1"},
		{"{s:S}", "a b"},
		{"x/{a}", "x/"},
		{"literal", "Literal"},
	}
	for _, tc := range cases {
		_, err := MustCompile(tc.pattern).Parse(tc.input)
		require.ErrorIs(t, err, ErrNoMatch, "%s <- %s", tc.pattern, tc.input)
	}
}

func TestParseBacktrackingIsBounded(t *testing.T) {
	tp, err := CompileParser("{a},{b},{c},{d},{e};")
	require.NoError(t, err)

	start := time.Now()
	_, err = tp.Parse(strings.Repeat(",", 400))
	require.ErrorIs(t, err, ErrNoMatch)
	require.Less(t, time.Since(start), time.Second)

	got, err := tp.Parse(strings.Repeat(",", 9) + ";")
	require.NoError(t, err)
	want := Binding{"a": ",", "b": ",", "c": ",", "d": ",", "e": ","}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("binding mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderParseInverse(t *testing.T) {
	tp, err := CompileParser("dev/{id:d}/temp={t:f}")
	require.NoError(t, err)
	in := Binding{"id": int64(12), "t": 21.25}
	out, err := tp.Render(in)
	require.NoError(t, err)
	require.Equal(t, "dev/12/temp=21.250000", out)
	got, err := tp.Parse(out)
	require.NoError(t, err)
	require.Equal(t, in, got)
}
