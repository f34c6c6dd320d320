package tmpl

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// scanner converts the text matched by a placeholder. ok is false when the
// text is not valid for the placeholder type.
type scanner struct {
	convert func(s string) (any, bool)
	// greedy scanners try the longest candidate first.
	greedy bool
}

var scanners = map[string]scanner{
	"":  {convert: func(s string) (any, bool) { return s, s != "" }},
	"d": {convert: scanInt, greedy: true},
	"x": {convert: scanBase(16, "0x"), greedy: true},
	"o": {convert: scanBase(8, "0o"), greedy: true},
	"b": {convert: scanBase(2, "0b"), greedy: true},
	"f": {convert: scanFloat(true, false), greedy: true},
	"F": {convert: scanFloat(true, false), greedy: true},
	"e": {convert: scanFloat(false, true), greedy: true},
	"g": {convert: scanFloat(false, false), greedy: true},
	"w": {convert: scanRunes(func(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }), greedy: true},
	"l": {convert: scanRunes(unicode.IsLetter), greedy: true},
	"S": {convert: scanRunes(func(r rune) bool { return !unicode.IsSpace(r) }), greedy: true},
}

// Parse matches the whole input against the template and returns the
// placeholder values: int64 (uint64 beyond the int64 range) for d x o b,
// float64 for f F e g and strings otherwise.
func (t *Template) Parse(input string) (Binding, error) {
	if t.parseErr != nil {
		return nil, t.parseErr
	}
	m := &matcher{
		segs:   t.segs,
		input:  input,
		b:      make(Binding),
		failed: make([]uint64, (len(t.segs)*(len(input)+1)+63)/64),
		occ:    make([][]int, len(t.segs)),
	}
	if !m.match(0, 0) {
		return nil, fmt.Errorf("%w: %q against %q", ErrNoMatch, input, t.src)
	}
	return m.b, nil
}

// matcher backtracks over placeholder lengths. Whether segment i matches from
// a given offset does not depend on the values bound before it, so every
// failed (segment, offset) state is recorded and never explored twice.
type matcher struct {
	segs   []segment
	input  string
	b      Binding
	failed []uint64 // bit set indexed by segment*(len(input)+1)+offset
	occ    [][]int  // offsets of literal segments in input, filled on demand
}

func (m *matcher) match(i, pos int) bool {
	if i == len(m.segs) {
		return pos == len(m.input)
	}
	key := i*(len(m.input)+1) + pos
	if m.failed[key/64]&(1<<(key%64)) != 0 {
		return false
	}
	if m.try(i, pos) {
		return true
	}
	m.failed[key/64] |= 1 << (key % 64)
	return false
}

func (m *matcher) try(i, pos int) bool {
	seg := m.segs[i]
	if !seg.placeholder() {
		return strings.HasPrefix(m.input[pos:], seg.lit) && m.match(i+1, pos+len(seg.lit))
	}
	sc := scanners[seg.spec]
	ends := m.candidates(i, pos)
	for k := range ends {
		end := ends[k]
		if sc.greedy {
			end = ends[len(ends)-1-k]
		}
		v, ok := sc.convert(m.input[pos:end])
		if !ok {
			continue
		}
		m.b[seg.name] = v
		if m.match(i+1, end) {
			return true
		}
		delete(m.b, seg.name)
	}
	return false
}

// candidates lists the possible end offsets of placeholder i's text starting
// at pos, ascending: offsets where the following literal occurs, or the end
// of input for a trailing placeholder. The returned slice is shared.
func (m *matcher) candidates(i, pos int) []int {
	if i+1 == len(m.segs) {
		return []int{len(m.input)}
	}
	occ := m.occurrences(i + 1)
	return occ[sort.SearchInts(occ, pos+1):]
}

func (m *matcher) occurrences(i int) []int {
	if m.occ[i] != nil {
		return m.occ[i]
	}
	lit := m.segs[i].lit
	occ := make([]int, 0)
	for off := 0; off+len(lit) <= len(m.input); {
		j := strings.Index(m.input[off:], lit)
		if j < 0 {
			break
		}
		occ = append(occ, off+j)
		off += j + 1
	}
	m.occ[i] = occ
	return occ
}

func scanInt(s string) (any, bool) {
	neg := false
	body := s
	if body != "" && (body[0] == '+' || body[0] == '-') {
		neg = body[0] == '-'
		body = body[1:]
	}
	base := 10
	if len(body) > 2 && body[0] == '0' {
		switch body[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 10 {
			body = body[2:]
		}
	}
	return toInt(body, base, neg)
}

func scanBase(base int, prefix string) func(string) (any, bool) {
	return func(s string) (any, bool) {
		if len(s) > len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = s[len(prefix):]
		}
		return toInt(s, base, false)
	}
}

func toInt(digits string, base int, neg bool) (any, bool) {
	if digits == "" || strings.ContainsAny(digits, "+-_") {
		return nil, false
	}
	u, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return nil, false
	}
	switch {
	case !neg && u <= math.MaxInt64:
		return int64(u), true
	case !neg:
		return u, true
	case u <= math.MaxInt64:
		return -int64(u), true
	case u == math.MaxInt64+1:
		return int64(math.MinInt64), true
	}
	return nil, false
}

// scanFloat accepts decimal floats. needPoint requires a decimal point and
// no exponent; needExp requires an exponent.
func scanFloat(needPoint, needExp bool) func(string) (any, bool) {
	return func(s string) (any, bool) {
		body := strings.TrimLeft(s, "+-")
		if len(s)-len(body) > 1 || body == "" {
			return nil, false
		}
		lower := strings.ToLower(body)
		if lower == "nan" || lower == "inf" || lower == "infinity" {
			if needPoint {
				return nil, false
			}
			f, err := strconv.ParseFloat(s, 64)
			return f, err == nil
		}
		mant, exp, hasExp := strings.Cut(lower, "e")
		if needExp && !hasExp || needPoint && (hasExp || !strings.Contains(mant, ".")) {
			return nil, false
		}
		if !decimalMantissa(mant) || hasExp && !exponent(exp) {
			return nil, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
}

func decimalMantissa(s string) bool {
	digits, dots := 0, 0
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}

func exponent(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "+"), "-")
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func scanRunes(ok func(rune) bool) func(string) (any, bool) {
	return func(s string) (any, bool) {
		if s == "" {
			return nil, false
		}
		for _, r := range s {
			if !ok(r) {
				return nil, false
			}
		}
		return s, true
	}
}
