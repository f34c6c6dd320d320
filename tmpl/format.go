package tmpl

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ncruces/go-strftime"
)

// DefaultTimeLayout is the rendering of a time value without a format spec.
const DefaultTimeLayout = "2006-01-02 15:04:05.000000"

// spec is a parsed format spec:
// [[fill]align][sign][#][0][width][grouping][.precision][type].
type spec struct {
	fill  rune
	align byte
	sign  byte
	alt   bool
	zero  bool
	width int
	group byte
	prec  int
	verb  byte
}

func parseSpec(s string) (spec, error) {
	sp := spec{fill: ' ', prec: -1}
	bad := func() (spec, error) { return spec{}, fmt.Errorf("%w %q", ErrFormat, s) }
	isAlign := func(c byte) bool { return c == '<' || c == '>' || c == '^' || c == '=' }

	i := 0
	if r, n := utf8.DecodeRuneInString(s); n > 0 && n < len(s) && isAlign(s[n]) {
		sp.fill, sp.align = r, s[n]
		i = n + 1
	} else if len(s) > 0 && isAlign(s[0]) {
		sp.align = s[0]
		i = 1
	}
	if i < len(s) && (s[i] == '+' || s[i] == '-' || s[i] == ' ') {
		sp.sign = s[i]
		i++
	}
	if i < len(s) && s[i] == '#' {
		sp.alt = true
		i++
	}
	if i < len(s) && s[i] == '0' {
		sp.zero = true
		i++
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > start {
		sp.width, _ = strconv.Atoi(s[start:i])
	}
	if i < len(s) && (s[i] == ',' || s[i] == '_') {
		sp.group = s[i]
		i++
	}
	if i < len(s) && s[i] == '.' {
		i++
		start = i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == start {
			return bad()
		}
		sp.prec, _ = strconv.Atoi(s[start:i])
	}
	if i < len(s) {
		sp.verb = s[i]
		i++
	}
	if i != len(s) {
		return bad()
	}
	return sp, nil
}

// Format renders a single value with a format spec. An empty spec yields
// the default string form: decimal integers, the shortest float repr,
// True/False for bools and DefaultTimeLayout for times (microseconds
// omitted when zero). Time values take a strftime spec such as "%H:%M".
func Format(v any, specText string) (string, error) {
	if t, ok := v.(time.Time); ok {
		if specText == "" {
			if t.Nanosecond()/1000 == 0 {
				return t.Format("2006-01-02 15:04:05"), nil
			}
			return t.Format(DefaultTimeLayout), nil
		}
		return strftime.Format(specText, t), nil
	}
	if specText == "" {
		return String(v), nil
	}
	sp, err := parseSpec(specText)
	if err != nil {
		return "", err
	}
	switch x := v.(type) {
	case bool:
		if x {
			return sp.integer(false, 1)
		}
		return sp.integer(false, 0)
	case int:
		return sp.signed(int64(x))
	case int8:
		return sp.signed(int64(x))
	case int16:
		return sp.signed(int64(x))
	case int32:
		return sp.signed(int64(x))
	case int64:
		return sp.signed(x)
	case uint:
		return sp.integer(false, uint64(x))
	case uint8:
		return sp.integer(false, uint64(x))
	case uint16:
		return sp.integer(false, uint64(x))
	case uint32:
		return sp.integer(false, uint64(x))
	case uint64:
		return sp.integer(false, x)
	case float32:
		return sp.float(float64(x))
	case float64:
		return sp.float(x)
	case string:
		return sp.str(x)
	default:
		return sp.str(String(v))
	}
}

// String is the default string form of a bound value.
func String(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case float32:
		return reprFloat(float64(x))
	case float64:
		return reprFloat(x)
	case time.Time:
		s, _ := Format(x, "")
		return s
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

// reprFloat returns the shortest representation that round-trips, in fixed
// notation for exponents -4..15 and scientific notation otherwise.
func reprFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	e := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(e[strings.IndexByte(e, 'e')+1:])
	if exp < -4 || exp >= 16 {
		return e
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

func (sp spec) signed(i int64) (string, error) {
	if i < 0 {
		return sp.integer(true, uint64(-(i + 1))+1)
	}
	return sp.integer(false, uint64(i))
}

func (sp spec) integer(neg bool, mag uint64) (string, error) {
	var digits, prefix string
	switch sp.verb {
	case 'e', 'E', 'f', 'F', 'g', 'G', '%':
		f := float64(mag)
		if neg {
			f = -f
		}
		return sp.float(f)
	case 0, 'd', 'n':
		digits = strconv.FormatUint(mag, 10)
		digits = group(digits, sp.group, 3)
	case 'x', 'X':
		digits, prefix = strconv.FormatUint(mag, 16), "0x"
		if sp.verb == 'X' {
			digits, prefix = strings.ToUpper(digits), "0X"
		}
	case 'o':
		digits, prefix = strconv.FormatUint(mag, 8), "0o"
	case 'b':
		digits, prefix = strconv.FormatUint(mag, 2), "0b"
	case 'c':
		if neg || mag > utf8.MaxRune {
			return "", fmt.Errorf("%w: %%c arg not in range", ErrFormat)
		}
		return sp.str(string(rune(mag)))
	default:
		return "", fmt.Errorf("%w: unknown code %q for integer", ErrFormat, sp.verb)
	}
	if sp.prec >= 0 {
		return "", fmt.Errorf("%w: precision not allowed for integers", ErrFormat)
	}
	if prefix != "" {
		if sp.group == '_' {
			digits = group(digits, '_', 4)
		} else if sp.group != 0 {
			return "", fmt.Errorf("%w: cannot use %q with %q", ErrFormat, sp.group, sp.verb)
		}
		if !sp.alt {
			prefix = ""
		}
	}
	return sp.pad(sp.signPrefix(neg)+prefix, digits), nil
}

func (sp spec) float(f float64) (string, error) {
	neg := math.Signbit(f) && !math.IsNaN(f)
	a := math.Abs(f)
	var body string
	upper := false
	switch sp.verb {
	case 0:
		switch {
		case math.IsInf(a, 0) || math.IsNaN(a):
			body = reprFloat(a)
		case sp.prec < 0:
			body = reprFloat(a)
		default:
			p := max(sp.prec, 1)
			body = strconv.FormatFloat(a, 'g', p, 64)
			if !strings.ContainsAny(body, ".e") {
				body += ".0"
			}
		}
	case 'f', 'F':
		body = strconv.FormatFloat(a, 'f', sp.precOr(6), 64)
		upper = sp.verb == 'F'
	case 'e', 'E':
		body = strconv.FormatFloat(a, 'e', sp.precOr(6), 64)
		upper = sp.verb == 'E'
	case 'g', 'G', 'n':
		body = strconv.FormatFloat(a, 'g', max(sp.precOr(6), 1), 64)
		upper = sp.verb == 'G'
	case '%':
		body = strconv.FormatFloat(a*100, 'f', sp.precOr(6), 64) + "%"
	default:
		return "", fmt.Errorf("%w: unknown code %q for float", ErrFormat, sp.verb)
	}
	switch {
	case math.IsNaN(a):
		body = "nan"
	case math.IsInf(a, 0):
		body = "inf"
	}
	if upper {
		body = strings.ToUpper(body)
	}
	if sp.group != 0 {
		intPart, rest := body, ""
		if i := strings.IndexAny(body, ".eE%"); i >= 0 {
			intPart, rest = body[:i], body[i:]
		}
		body = group(intPart, sp.group, 3) + rest
	}
	return sp.pad(sp.signPrefix(neg), body), nil
}

func (sp spec) str(s string) (string, error) {
	if sp.verb != 0 && sp.verb != 's' {
		return "", fmt.Errorf("%w: unknown code %q for string", ErrFormat, sp.verb)
	}
	if sp.sign != 0 || sp.alt || sp.align == '=' || sp.group != 0 {
		return "", fmt.Errorf("%w: numeric option used with a string", ErrFormat)
	}
	if sp.prec >= 0 && utf8.RuneCountInString(s) > sp.prec {
		s = string([]rune(s)[:sp.prec])
	}
	if sp.align == 0 {
		sp.align = '<'
	}
	return sp.pad("", s), nil
}

func (sp spec) precOr(def int) int {
	if sp.prec < 0 {
		return def
	}
	return sp.prec
}

func (sp spec) signPrefix(neg bool) string {
	switch {
	case neg:
		return "-"
	case sp.sign == '+':
		return "+"
	case sp.sign == ' ':
		return " "
	}
	return ""
}

// pad applies width, fill and alignment. head (sign and base prefix) stays
// in front of the padding for '=' alignment.
func (sp spec) pad(head, body string) string {
	fill, align := sp.fill, sp.align
	if sp.zero && align == 0 {
		fill, align = '0', '='
	}
	if align == 0 {
		align = '>'
	}
	n := sp.width - utf8.RuneCountInString(head) - utf8.RuneCountInString(body)
	if n <= 0 {
		return head + body
	}
	padding := func(k int) string { return strings.Repeat(string(fill), k) }
	switch align {
	case '<':
		return head + body + padding(n)
	case '^':
		return padding(n/2) + head + body + padding(n-n/2)
	case '=':
		return head + padding(n) + body
	default:
		return padding(n) + head + body
	}
}

// group inserts sep every n digits from the right.
func group(digits string, sep byte, n int) string {
	if sep == 0 || len(digits) <= n {
		return digits
	}
	var sb strings.Builder
	lead := len(digits) % n
	if lead > 0 {
		sb.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += n {
		if sb.Len() > 0 {
			sb.WriteByte(sep)
		}
		sb.WriteString(digits[i : i+n])
	}
	return sb.String()
}
