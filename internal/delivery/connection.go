package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/znz-systems/relaywarm/internal/relay"
)

// ConnectionReport is the human-readable result of TestConnection.
type ConnectionReport struct {
	OK      bool
	Message string
}

// TestConnection sends a fixed message through the server without stats or
// retry handling.
func (p *Pipeline) TestConnection(ctx context.Context, serverID int64, to string) (ConnectionReport, error) {
	server, err := p.resolveServer(ctx, Request{ServerID: serverID})
	if err != nil {
		return ConnectionReport{Message: "server not found"}, err
	}

	msg := relay.Message{
		To:        []string{to},
		From:      fmt.Sprintf("Test <test@%s>", server.Domain),
		Subject:   "Relay warmup connection test",
		PlainBody: fmt.Sprintf("Test OK.\nServer: %s", server.Domain),
		HTMLBody:  fmt.Sprintf("<p>Test OK.</p><p><strong>Server:</strong> %s</p>", server.Domain),
	}

	res, err := p.relay.SendMessage(ctx, server, msg)
	if err != nil {
		slog.WarnContext(ctx, "connection test failed", "server_id", server.ID, "error", err)
		return ConnectionReport{Message: "test failed: " + err.Error()}, nil
	}
	slog.InfoContext(ctx, "connection test succeeded", "server_id", server.ID, "message_id", res.MessageID, "latency_ms", res.Latency.Milliseconds())
	return ConnectionReport{OK: true, Message: "test message sent to " + to}, nil
}
