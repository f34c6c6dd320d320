// Package bridge is the translation core between CAN frames and MQTT
// messages.
//
// A Receiver turns frames of its identifiers into topic/payload pairs, a
// Transmitter turns messages on its subscriptions into frames. Rules live in
// a Table that routes traffic to them and removes a rule once it has failed
// too often. The Dispatcher connects a Table to the two transports.
package bridge

import (
	"errors"
	"fmt"
)

// DefaultErrorBudget is the number of translation failures after which a
// rule is removed.
const DefaultErrorBudget = 10

// Rule kinds.
const (
	KindReceiver    = "receiver"
	KindTransmitter = "transmitter"
)

// ErrRemoved is returned when a removed rule is added to a table again.
var ErrRemoved = errors.New("bridge: rule was removed")

// Rule is the behaviour shared by receivers and transmitters.
type Rule interface {
	Name() string
	Kind() string
	state() *ruleState
}

// ruleState is guarded by the mutex of the table holding the rule.
type ruleState struct {
	failures int
	removed  bool
}

// Message is one MQTT publication produced by a receiver.
type Message struct {
	Topic   string
	Payload string
}

// ConstructionError reports a rule definition that cannot be built. The rule
// is skipped; loading continues with the next one.
type ConstructionError struct {
	Kind string
	Name string
	Err  error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("bridge: %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// TranslationError reports a failed translation. It counts against the
// rule's error budget.
type TranslationError struct {
	Rule string
	Err  error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("bridge: rule %q: %v", e.Rule, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }
