package delivery

import (
	"github.com/znz-systems/relaywarm/internal/relay"
	"github.com/znz-systems/relaywarm/internal/template"
)

// PayloadHook rewrites an outgoing message before it is handed to the relay.
// Hooks run in registration order and must not have side effects.
type PayloadHook interface {
	TransformPayload(msg relay.Message, prepared template.Prepared) relay.Message
}

type PayloadHookFunc func(msg relay.Message, prepared template.Prepared) relay.Message

func (f PayloadHookFunc) TransformPayload(msg relay.Message, prepared template.Prepared) relay.Message {
	return f(msg, prepared)
}
