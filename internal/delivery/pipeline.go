package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/znz-systems/relaywarm/internal/models"
	"github.com/znz-systems/relaywarm/internal/relay"
	"github.com/znz-systems/relaywarm/internal/stats"
	"github.com/znz-systems/relaywarm/internal/store"
	"github.com/znz-systems/relaywarm/internal/template"
)

// ErrServerNotFound is returned when a request names no known relay server.
// It is never retried.
var ErrServerNotFound = fmt.Errorf("relay server not found: %w", store.ErrNotFound)

const defaultPrefix = "support"

// Request describes one send attempt.
type Request struct {
	ServerID    int64
	Domain      string
	Prefix      string
	To          string
	// Subject overrides the template subject, e.g. "Re: ..." for replies.
	Subject     string
	Attempt     int
	HandleRetry bool
	JobID       int64
	Meta        models.JobMeta
}

// RetryTask is handed to the scheduler for the next attempt.
type RetryTask struct {
	Request
	LastError string
}

// RetryScheduler persists a future attempt. It must not block on delivery.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, task RetryTask, at time.Time) error
}

type TemplatePreparer interface {
	Prepare(ctx context.Context, name, prefix, domain, recipient string) (template.Prepared, error)
	PrepareByID(ctx context.Context, id int64, prefix, domain, recipient string) (template.Prepared, error)
}

type StatsRecorder interface {
	RecordAttempt(ctx context.Context, a stats.Attempt) error
}

type Classifier interface {
	Classify(address string) string
}

// Observer receives per-attempt measurements, e.g. for metrics.
type Observer interface {
	ObserveSend(serverDomain string, success bool, latency time.Duration)
	ObserveRetry(serverDomain string, terminal bool)
}

type NoopObserver struct{}

func (NoopObserver) ObserveSend(string, bool, time.Duration) {}
func (NoopObserver) ObserveRetry(string, bool)               {}

// Outcome is the result of one attempt.
type Outcome struct {
	Success        bool
	MessageID      string
	Latency        time.Duration
	TemplateName   string
	Error          string
	RetryScheduled bool
	RetryAt        time.Time
	Terminal       bool
}

type Options struct {
	FromOverride    string
	DefaultFromName string
	CustomHeaders   string
	GlobalTag       string
	Source          string
	Retry           RetryPolicy
}

type Pipeline struct {
	servers   store.ServerStore
	history   store.HistoryStore
	templates TemplatePreparer
	relay     relay.Sender
	stats     StatsRecorder
	classes   Classifier
	retries   RetryScheduler
	observer  Observer
	hooks     []PayloadHook
	opts      Options
	headers   map[string]string
	now       func() time.Time
}

type Deps struct {
	Servers   store.ServerStore
	History   store.HistoryStore
	Templates TemplatePreparer
	Relay     relay.Sender
	Stats     StatsRecorder
	Classes   Classifier
	Retries   RetryScheduler
	Observer  Observer
}

func NewPipeline(deps Deps, opts Options) *Pipeline {
	if opts.Source == "" {
		opts.Source = "relaywarm/dev"
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	observer := deps.Observer
	if observer == nil {
		observer = NoopObserver{}
	}
	return &Pipeline{
		servers:   deps.Servers,
		history:   deps.History,
		templates: deps.Templates,
		relay:     deps.Relay,
		stats:     deps.Stats,
		classes:   deps.Classes,
		retries:   deps.Retries,
		observer:  observer,
		opts:      opts,
		headers:   ParseCustomHeaders(opts.CustomHeaders),
		now:       time.Now,
	}
}

// Use registers payload hooks, applied in order.
func (p *Pipeline) Use(hooks ...PayloadHook) {
	p.hooks = append(p.hooks, hooks...)
}

func (p *Pipeline) resolveServer(ctx context.Context, req Request) (*models.Server, error) {
	var (
		server *models.Server
		err    error
	)
	switch {
	case req.ServerID != 0:
		server, err = p.servers.GetServerByID(ctx, req.ServerID)
	case req.Domain != "":
		server, err = p.servers.GetServerByDomain(ctx, req.Domain)
	default:
		return nil, ErrServerNotFound
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve server: %w", err)
	}
	return server, nil
}

// Send performs one attempt and, when HandleRetry is set, schedules the next
// one on failure. Transport failures are returned as errors only when the
// caller handles retries itself.
func (p *Pipeline) Send(ctx context.Context, req Request) (Outcome, error) {
	server, err := p.resolveServer(ctx, req)
	if err != nil {
		slog.ErrorContext(ctx, "delivery aborted", "server_id", req.ServerID, "domain", req.Domain, "error", err)
		return Outcome{}, err
	}

	domain := req.Domain
	if domain == "" {
		domain = server.Domain
	}
	prefix := req.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	prepared, err := p.prepare(ctx, req, prefix, domain)
	if err != nil {
		return Outcome{}, fmt.Errorf("prepare template: %w", err)
	}

	fromEmail := prefix + "@" + domain
	if p.opts.FromOverride != "" {
		fromEmail = p.opts.FromOverride
	}
	msg := p.buildMessage(req, server, domain, fromEmail, prepared)

	slog.InfoContext(ctx, "sending message",
		"server_id", server.ID,
		"email_from", fromEmail,
		"email_to", req.To,
		"attempt", req.Attempt,
		"template", prepared.Name,
	)

	res, sendErr := p.relay.SendMessage(ctx, server, msg)
	out := Outcome{
		Success:      sendErr == nil,
		MessageID:    res.MessageID,
		Latency:      res.Latency,
		TemplateName: prepared.Name,
	}
	if sendErr != nil {
		out.Error = sendErr.Error()
	}

	p.observer.ObserveSend(server.Domain, out.Success, out.Latency)
	p.record(ctx, server, req, fromEmail, prepared, out)

	if out.Success {
		slog.InfoContext(ctx, "message sent",
			"server_id", server.ID,
			"message_id", out.MessageID,
			"attempt", req.Attempt,
			"template", prepared.Name,
			"latency_ms", out.Latency.Milliseconds(),
		)
		return out, nil
	}

	slog.ErrorContext(ctx, "message send failed",
		"server_id", server.ID,
		"attempt", req.Attempt,
		"template", prepared.Name,
		"latency_ms", out.Latency.Milliseconds(),
		"error", sendErr,
	)

	if !req.HandleRetry {
		return out, fmt.Errorf("send to %s: %w", req.To, sendErr)
	}
	return p.scheduleRetry(ctx, server, req, out)
}

func (p *Pipeline) scheduleRetry(ctx context.Context, server *models.Server, req Request, out Outcome) (Outcome, error) {
	policy := p.opts.Retry
	if !policy.ShouldRetry(req.Attempt) {
		out.Terminal = true
		p.observer.ObserveRetry(server.Domain, true)
		slog.ErrorContext(ctx, "giving up after max retries",
			"server_id", server.ID,
			"max_retries", policy.MaxRetries,
			"template", out.TemplateName,
			"error", out.Error,
		)
		return out, nil
	}

	delay := policy.Delay(req.Attempt)
	at := p.now().Add(delay)
	next := req
	next.Attempt = req.Attempt + 1
	next.HandleRetry = true
	next.ServerID = server.ID
	if err := p.retries.ScheduleRetry(ctx, RetryTask{Request: next, LastError: out.Error}, at); err != nil {
		return out, fmt.Errorf("schedule retry: %w", err)
	}

	out.RetryScheduled = true
	out.RetryAt = at
	p.observer.ObserveRetry(server.Domain, false)
	slog.WarnContext(ctx, "send failed, retry scheduled",
		"server_id", server.ID,
		"next_attempt", next.Attempt,
		"delay", delay.String(),
		"template", out.TemplateName,
		"error", out.Error,
	)
	return out, nil
}

// prepare picks the template by name first. Jobs that only carry a template
// id (inbound auto-replies) render that template, and a deleted id falls back
// to the prefix-named one.
func (p *Pipeline) prepare(ctx context.Context, req Request, prefix, domain string) (template.Prepared, error) {
	name := req.Meta.TemplateName
	if name == "" && req.Meta.TemplateID != nil {
		prepared, err := p.templates.PrepareByID(ctx, *req.Meta.TemplateID, prefix, domain, req.To)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return prepared, err
		}
	}
	if name == "" {
		name = prefix
	}
	return p.templates.Prepare(ctx, name, prefix, domain, req.To)
}

func (p *Pipeline) buildMessage(req Request, server *models.Server, domain, fromEmail string, prepared template.Prepared) relay.Message {
	fromName := prepared.FromName
	if fromName == "" {
		fromName = p.opts.DefaultFromName
	}
	from := fromEmail
	if fromName != "" {
		from = fromName + " <" + fromEmail + ">"
	}

	headers := map[string]string{
		"X-Warmup-Source":   p.opts.Source,
		"X-Warmup-Template": prepared.Name,
		"Precedence":        "bulk",
		"Auto-Submitted":    "auto-generated",
		"List-Unsubscribe":  "<mailto:unsubscribe@" + domain + "?subject=unsubscribe>",
	}
	for k, v := range p.headers {
		headers[k] = v
	}

	msg := relay.Message{
		To:        []string{req.To},
		From:      from,
		Subject:   prepared.Subject,
		PlainBody: prepared.Text,
		HTMLBody:  prepared.HTML,
		Headers:   headers,
		ReplyTo:   prepared.ReplyTo,
	}
	if req.Meta.Tag != "" {
		msg.Tag = req.Meta.Tag
	} else if p.opts.GlobalTag != "" {
		msg.Tag = p.opts.GlobalTag
	}
	if req.Subject != "" {
		msg.Subject = req.Subject
	}

	for _, h := range p.hooks {
		msg = h.TransformPayload(msg, prepared)
	}
	return msg
}

// record writes the attempt to the stats layer and history. Failures here
// are logged; they never change the delivery outcome.
func (p *Pipeline) record(ctx context.Context, server *models.Server, req Request, fromEmail string, prepared template.Prepared, out Outcome) {
	classKey := ""
	if p.classes != nil {
		classKey = p.classes.Classify(req.To)
	}
	if err := p.stats.RecordAttempt(ctx, stats.Attempt{
		ServerID: server.ID,
		ClassKey: classKey,
		Success:  out.Success,
		Latency:  out.Latency,
	}); err != nil {
		slog.ErrorContext(ctx, "failed to record attempt stats", "server_id", server.ID, "error", err)
	}

	eventType := models.EventSent
	if !out.Success {
		eventType = models.EventFailed
	}
	_, err := p.history.CreateHistoryEvent(ctx, models.HistoryEventCreateParams{
		ServerID:   server.ID,
		TemplateID: prepared.ID,
		MessageID:  out.MessageID,
		EmailFrom:  fromEmail,
		EventType:  eventType,
		Meta: models.EventMeta{
			TemplateName: prepared.Name,
			ThreadID:     req.Meta.ThreadID,
			ThreadDepth:  req.Meta.ThreadDepth,
			BaseName:     req.Meta.BaseName,
			Tag:          req.Meta.Tag,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record history event", "server_id", server.ID, "event", eventType, "error", err)
	}
}
