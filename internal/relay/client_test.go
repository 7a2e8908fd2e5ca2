package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/znz-systems/relaywarm/internal/models"
)

func TestSendMessage_Success(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, sendPath, r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("X-Server-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"status":"success","data":{"message_id":"abc@relay","messages":{}}}`))
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	res, err := c.SendMessage(context.Background(), &models.Server{APIURL: srv.URL + "/", APIKey: "secret-key"}, Message{
		To:      []string{"user@example.com"},
		From:    "Team <news@relay.test>",
		Subject: "hello",
		Headers: map[string]string{"Precedence": "bulk"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc@relay", res.MessageID)
	assert.Equal(t, []string{"user@example.com"}, got.To)
	assert.Equal(t, "bulk", got.Headers["Precedence"])
}

func TestSendMessage_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}},
		{"error status", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"error","data":{"code":"InvalidServerAPIKey","message":"bad key"}}`))
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewClient(time.Second).SendMessage(context.Background(), &models.Server{APIURL: srv.URL}, Message{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTransport))
		})
	}
}

func TestSendMessage_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newWithHTTPClient(srv.Client(), 50*time.Millisecond)
	res, err := c.SendMessage(context.Background(), &models.Server{APIURL: srv.URL}, Message{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Greater(t, res.Latency, time.Duration(0))
}
