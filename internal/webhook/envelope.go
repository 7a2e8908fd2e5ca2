package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrBadRequest is returned for bodies that are empty or not a JSON object.
var ErrBadRequest = errors.New("invalid JSON")

type Kind int

const (
	KindUnknown Kind = iota
	KindDeliveryEvent
	KindInboundMail
)

func (k Kind) String() string {
	switch k {
	case KindDeliveryEvent:
		return "delivery_event"
	case KindInboundMail:
		return "inbound_mail"
	}
	return "unknown"
}

// ID accepts both numeric and string identifiers.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*id = ID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = ID(n.String())
	return nil
}

// EventMessage is the message block of a delivery-status payload.
type EventMessage struct {
	ID        ID                `json:"id"`
	Token     string            `json:"token"`
	MessageID string            `json:"message_id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Subject   string            `json:"subject"`
	Tag       string            `json:"tag"`
	Headers   map[string]string `json:"headers"`
}

type EventPayload struct {
	Message         *EventMessage `json:"message"`
	OriginalMessage *EventMessage `json:"original_message"`
	Domain          string        `json:"domain"`
	Status          string        `json:"status"`
	Details         string        `json:"details"`
}

type DeliveryEvent struct {
	Event   string       `json:"event"`
	UUID    string       `json:"uuid"`
	Payload EventPayload `json:"payload"`
}

type InboundMail struct {
	ID            ID     `json:"id"`
	RcptTo        string `json:"rcpt_to"`
	MailFrom      string `json:"mail_from"`
	Subject       string `json:"subject"`
	MessageID     string `json:"message_id"`
	InReplyTo     string `json:"in_reply_to"`
	References    string `json:"references"`
	Bounce        bool   `json:"bounce"`
	AutoSubmitted string `json:"auto_submitted"`
	PlainBody     string `json:"plain_body"`
}

// Envelope is a decoded webhook body.
type Envelope struct {
	Kind  Kind
	Event *DeliveryEvent
	Mail  *InboundMail
}

// Parse decodes body once and classifies it by the keys present.
func Parse(body []byte) (Envelope, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil || len(keys) == 0 {
		return Envelope{}, ErrBadRequest
	}

	if _, ok := keys["event"]; ok {
		var ev DeliveryEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return Envelope{Kind: KindDeliveryEvent, Event: &ev}, nil
	}
	if _, ok := keys["rcpt_to"]; ok {
		var mail InboundMail
		if err := json.Unmarshal(body, &mail); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return Envelope{Kind: KindInboundMail, Mail: &mail}, nil
	}
	return Envelope{Kind: KindUnknown}, nil
}
