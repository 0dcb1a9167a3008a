package events

import (
	"encoding/json"

	"github.com/codeboltai/agentswarmprotocol-sub005/bus"
)

// Subjected is an event that knows where it belongs on a message bus.
type Subjected interface {
	SubjectTokens() []string
}

// Forward mirrors every event on b to mb as JSON under prefix. Publish
// failures go to onError when it is non-nil. The returned function stops
// forwarding.
func Forward[T Subjected](b *Bus[T], mb bus.MessageBus, prefix string, onError func(subject string, err error)) func() {
	return b.Subscribe(func(ev T) {
		subject := bus.Subject(prefix, ev.SubjectTokens()...)
		data, err := json.Marshal(ev)
		if err == nil {
			err = mb.Publish(subject, data)
		}
		if err != nil && onError != nil {
			onError(subject, err)
		}
	})
}
