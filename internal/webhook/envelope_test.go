package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsEmptyBodies(t *testing.T) {
	for _, body := range []string{"", "   ", "{}", "[]", "null", "not json", `"str"`} {
		_, err := Parse([]byte(body))
		assert.ErrorIs(t, err, ErrBadRequest, "body %q", body)
	}
}

func TestParseDeliveryEvent(t *testing.T) {
	body := `{
		"event": "MessageBounced",
		"payload": {
			"original_message": {"id": 991, "from": "news@mail.example.com"},
			"message": {"id": "abc", "from": "News <news@mail.example.com>", "headers": {"X-Warmup-Template": "welcome"}}
		}
	}`
	env, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, KindDeliveryEvent, env.Kind)
	require.NotNil(t, env.Event)
	assert.Equal(t, "MessageBounced", env.Event.Event)
	assert.Equal(t, ID("991"), env.Event.Payload.OriginalMessage.ID)
	assert.Equal(t, ID("abc"), env.Event.Payload.Message.ID)
	assert.Equal(t, "welcome", env.Event.Payload.Message.Headers["X-Warmup-Template"])
}

func TestParseInboundMail(t *testing.T) {
	body := `{"id": 42, "rcpt_to": "support@mail.example.com", "mail_from": "alice@gmail.com", "subject": "Hi", "in_reply_to": "<x@y>", "bounce": false}`
	env, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, KindInboundMail, env.Kind)
	require.NotNil(t, env.Mail)
	assert.Equal(t, ID("42"), env.Mail.ID)
	assert.Equal(t, "<x@y>", env.Mail.InReplyTo)
}

func TestParseUnknownObject(t *testing.T) {
	env, err := Parse([]byte(`{"hello": "world"}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, env.Kind)
}

func TestParseMalformedField(t *testing.T) {
	_, err := Parse([]byte(`{"event": "MessageSent", "payload": "nope"}`))
	assert.ErrorIs(t, err, ErrBadRequest)
}
