// Package tmpl implements the placeholder templates used for MQTT topics and
// payloads.
//
// A template is literal text with named placeholders, "{name}" or
// "{name:spec}"; "{{" and "}}" stand for literal braces. The same template can
// be rendered from a Binding and, for templates compiled with
// CompileParser, parsed back into one.
package tmpl

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSyntax     = errors.New("tmpl: invalid template")
	ErrAmbiguous  = errors.New("tmpl: template cannot be parsed unambiguously")
	ErrUnresolved = errors.New("tmpl: unresolved placeholder")
	ErrFormat     = errors.New("tmpl: invalid format spec")
	ErrNoMatch    = errors.New("tmpl: input does not match template")
)

// Binding maps placeholder names to values.
type Binding map[string]any

// Clone returns a shallow copy of b.
func (b Binding) Clone() Binding {
	out := make(Binding, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// segment is either literal text (name empty) or a placeholder.
type segment struct {
	lit  string
	name string
	spec string
}

func (s segment) placeholder() bool { return s.name != "" }

// Template is a compiled template. It is immutable and safe for concurrent
// use.
type Template struct {
	src      string
	segs     []segment
	parseErr error
}

// Compile parses pattern for rendering.
func Compile(pattern string) (*Template, error) {
	segs, err := split(pattern)
	if err != nil {
		return nil, err
	}
	t := &Template{src: pattern, segs: segs}
	t.parseErr = checkParseable(pattern, segs)
	return t, nil
}

// CompileParser parses pattern for parsing input text. In addition to
// Compile it rejects adjacent placeholders, duplicate names and placeholder
// types the scanner does not know.
func CompileParser(pattern string) (*Template, error) {
	t, err := Compile(pattern)
	if err != nil {
		return nil, err
	}
	if t.parseErr != nil {
		return nil, t.parseErr
	}
	return t, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string) *Template {
	t, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the template source.
func (t *Template) String() string { return t.src }

// Names lists the placeholder names in order of appearance.
func (t *Template) Names() []string {
	var names []string
	for _, s := range t.segs {
		if s.placeholder() {
			names = append(names, s.name)
		}
	}
	return names
}

// Render substitutes every placeholder with the string form of its bound
// value.
func (t *Template) Render(b Binding) (string, error) {
	var sb strings.Builder
	for _, s := range t.segs {
		if !s.placeholder() {
			sb.WriteString(s.lit)
			continue
		}
		v, ok := b[s.name]
		if !ok {
			return "", fmt.Errorf("%w %q in %q", ErrUnresolved, s.name, t.src)
		}
		out, err := Format(v, s.spec)
		if err != nil {
			return "", fmt.Errorf("placeholder %q: %w", s.name, err)
		}
		sb.WriteString(out)
	}
	return sb.String(), nil
}

func split(pattern string) ([]segment, error) {
	var (
		segs []segment
		lit  strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{lit: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '{':
			if i+1 < len(pattern) && pattern[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexAny(pattern[i+1:], "{}")
			if end < 0 || pattern[i+1+end] == '{' {
				return nil, fmt.Errorf("%w %q: unterminated placeholder at %d", ErrSyntax, pattern, i)
			}
			field := pattern[i+1 : i+1+end]
			name, spec, _ := strings.Cut(field, ":")
			if err := checkName(name); err != nil {
				return nil, fmt.Errorf("%w %q: %v", ErrSyntax, pattern, err)
			}
			flush()
			segs = append(segs, segment{name: name, spec: spec})
			i += end + 1
		case '}':
			if i+1 < len(pattern) && pattern[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, fmt.Errorf("%w %q: single '}' at %d", ErrSyntax, pattern, i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return segs, nil
}

func checkName(name string) error {
	if name == "" {
		return errors.New("positional placeholders are not supported")
	}
	allDigits := true
	for _, r := range name {
		switch {
		case r >= '0' && r <= '9':
		case r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r > 0x7F:
			allDigits = false
		default:
			return fmt.Errorf("invalid placeholder name %q", name)
		}
	}
	if allDigits {
		return errors.New("positional placeholders are not supported")
	}
	return nil
}

func checkParseable(pattern string, segs []segment) error {
	seen := make(map[string]bool)
	prevPlaceholder := false
	for _, s := range segs {
		if !s.placeholder() {
			prevPlaceholder = false
			continue
		}
		if prevPlaceholder {
			return fmt.Errorf("%w %q: placeholders before %q are not separated by text", ErrAmbiguous, pattern, s.name)
		}
		if seen[s.name] {
			return fmt.Errorf("%w %q: duplicate placeholder %q", ErrAmbiguous, pattern, s.name)
		}
		if _, ok := scanners[s.spec]; !ok {
			return fmt.Errorf("%w %q: unknown parse type %q", ErrSyntax, pattern, s.spec)
		}
		seen[s.name] = true
		prevPlaceholder = true
	}
	return nil
}
