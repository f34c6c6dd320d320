// Package mqtt is the publish/subscribe side of the bridge: topic filter
// matching, a client backed by the Eclipse Paho library and an in-process
// broker for tests.
package mqtt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTopic  = errors.New("mqtt: invalid topic")
	ErrInvalidFilter = errors.New("mqtt: invalid topic filter")
)

// Message is one received publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler is invoked for every message matching a subscription.
type Handler func(Message)

// ValidateTopic checks a topic name used for publishing.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return fmt.Errorf("%w %q: wildcards are not allowed", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks a subscription filter: '+' must occupy a whole
// level and '#' must be the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilter)
	}
	if strings.ContainsRune(filter, 0) {
		return fmt.Errorf("%w %q", ErrInvalidFilter, filter)
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		switch {
		case l == "#" && i != len(levels)-1:
			return fmt.Errorf("%w %q: '#' must be the last level", ErrInvalidFilter, filter)
		case l != "#" && l != "+" && strings.ContainsAny(l, "+#"):
			return fmt.Errorf("%w %q: wildcard must occupy a whole level", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// Match reports whether topic matches filter. '+' matches exactly one level,
// '#' matches any number of remaining levels including none, so "a/#" also
// matches "a". Topics starting with '$' are not matched by a filter starting
// with a wildcard.
func Match(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}
	for {
		fl, frest, fmore := strings.Cut(filter, "/")
		if fl == "#" {
			return true
		}
		tl, trest, tmore := strings.Cut(topic, "/")
		if fl != "+" && fl != tl {
			return false
		}
		switch {
		case !fmore && !tmore:
			return true
		case !tmore:
			// Topic exhausted: only a trailing "#" level can still match.
			return frest == "#"
		case !fmore:
			return false
		}
		filter, topic = frest, trest
	}
}
