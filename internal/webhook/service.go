package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/znz-systems/relaywarm/internal/models"
	"github.com/znz-systems/relaywarm/internal/recipient"
	"github.com/znz-systems/relaywarm/internal/store"
	"github.com/znz-systems/relaywarm/internal/thread"
)

// ErrDropped marks an event that was understood but intentionally not acted
// on. Callers acknowledge it like a success.
var ErrDropped = errors.New("webhook event dropped")

const templateHeader = "X-Warmup-Template"

// eventTypes maps relay event names to history event types. MessageDelivered
// is folded into sent.
var eventTypes = map[string]models.EventType{
	"MessageSent":           models.EventSent,
	"MessageDelivered":      models.EventSent,
	"MessageDeliveryFailed": models.EventFailed,
	"MessageBounced":        models.EventBounced,
	"MessageLinkClicked":    models.EventClicked,
	"MessageLoaded":         models.EventOpened,
	"DomainDNSError":        models.EventDNSError,
}

type ServerResolver interface {
	GetServerByDomain(ctx context.Context, domain string) (*models.Server, error)
}

type TemplateLookup interface {
	GetByName(ctx context.Context, name string) (*models.Template, error)
}

type FailureRecorder interface {
	RecordFailureEvent(ctx context.Context, serverID int64) error
}

type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type ReplyHandler interface {
	HandleReply(ctx context.Context, r thread.Reply) (thread.Result, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, serverID int64, to, from, subject string, meta models.JobMeta) (int64, error)
}

// Observer counts processed events, e.g. for metrics.
type Observer interface {
	ObserveEvent(kind, name string, dropped bool)
}

type Deps struct {
	Servers   ServerResolver
	History   store.HistoryStore
	Metrics   store.TemplateMetricStore
	Templates TemplateLookup
	Failures  FailureRecorder
	Dedup     Deduper
	Threads   ReplyHandler
	Queue     Enqueuer
	Observer  Observer
}

type Options struct {
	ThreadEnabled bool
}

type Service struct {
	deps Deps
	opts Options
	now  func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	return &Service{deps: deps, opts: opts, now: time.Now}
}

// Handle dispatches a parsed envelope. Unknown envelopes are acknowledged.
func (s *Service) Handle(ctx context.Context, env Envelope) error {
	var (
		name string
		err  error
	)
	switch env.Kind {
	case KindDeliveryEvent:
		name = env.Event.Event
		err = s.HandleDeliveryEvent(ctx, env.Event)
	case KindInboundMail:
		name = "inbound"
		err = s.HandleInboundMail(ctx, env.Mail)
	default:
		slog.DebugContext(ctx, "ignoring unrecognised webhook payload")
		return nil
	}
	if s.deps.Observer != nil {
		s.deps.Observer.ObserveEvent(env.Kind.String(), name, errors.Is(err, ErrDropped))
	}
	return err
}

// HandleDeliveryEvent records a relay status callback against the sending
// server and template.
func (s *Service) HandleDeliveryEvent(ctx context.Context, ev *DeliveryEvent) error {
	eventType, ok := eventTypes[ev.Event]
	if !ok {
		slog.DebugContext(ctx, "ignoring delivery event", "event", ev.Event)
		return fmt.Errorf("%w: unhandled event %q", ErrDropped, ev.Event)
	}

	msg := ev.Payload.Message
	if msg == nil {
		msg = &EventMessage{}
	}
	templateName := headerValue(msg.Headers, templateHeader)
	domain := ev.Payload.Domain
	if msg.From != "" {
		local, d := recipient.SplitAddress(msg.From)
		domain = d
		if templateName == "" {
			templateName = local
		}
	}

	server, err := s.deps.Servers.GetServerByDomain(ctx, domain)
	if errors.Is(err, store.ErrNotFound) {
		slog.DebugContext(ctx, "delivery event for unknown server", "event", ev.Event, "domain", domain)
		return fmt.Errorf("%w: unknown server %q", ErrDropped, domain)
	}
	if err != nil {
		return fmt.Errorf("resolve server %q: %w", domain, err)
	}

	templateID, err := s.templateID(ctx, templateName)
	if err != nil {
		return err
	}

	if eventType != models.EventSent {
		messageID := string(msg.ID)
		if orig := ev.Payload.OriginalMessage; orig != nil && orig.ID != "" {
			messageID = string(orig.ID)
		}
		if _, err := s.deps.History.CreateHistoryEvent(ctx, models.HistoryEventCreateParams{
			ServerID:   server.ID,
			TemplateID: templateID,
			MessageID:  messageID,
			EmailFrom:  msg.From,
			EventType:  eventType,
			Meta:       models.EventMeta{TemplateName: templateName},
		}); err != nil {
			return fmt.Errorf("record %s event: %w", eventType, err)
		}
	}

	if err := s.deps.Metrics.IncrementTemplateMetric(ctx, templateID, server.ID, eventType, s.now()); err != nil {
		return fmt.Errorf("record template metric: %w", err)
	}

	if eventType.Failure() {
		if err := s.deps.Failures.RecordFailureEvent(ctx, server.ID); err != nil {
			return err
		}
	}

	slog.InfoContext(ctx, "delivery event tracked",
		"event", ev.Event,
		"type", eventType,
		"server_id", server.ID,
		"template", templateName,
	)
	return nil
}

// HandleInboundMail answers mail received on a fleet address, either as the
// next step of a reply thread or with a plain auto-reply.
func (s *Service) HandleInboundMail(ctx context.Context, mail *InboundMail) error {
	if mail.Bounce {
		slog.InfoContext(ctx, "ignoring bounce", "mail_from", mail.MailFrom, "rcpt_to", mail.RcptTo)
		return fmt.Errorf("%w: bounce", ErrDropped)
	}
	if mail.AutoSubmitted != "" {
		slog.InfoContext(ctx, "ignoring auto-submitted mail", "mail_from", mail.MailFrom, "auto_submitted", mail.AutoSubmitted)
		return fmt.Errorf("%w: auto-submitted", ErrDropped)
	}
	if mail.RcptTo == "" {
		return fmt.Errorf("%w: no recipient", ErrDropped)
	}

	if mail.ID == "" || s.deps.Dedup == nil {
		return s.reply(ctx, mail)
	}

	key := "inbound:" + string(mail.ID)
	first, err := s.deps.Dedup.FirstSeen(ctx, key)
	if err != nil {
		return err
	}
	if !first {
		slog.DebugContext(ctx, "duplicate inbound mail", "id", mail.ID)
		return fmt.Errorf("%w: duplicate %s", ErrDropped, mail.ID)
	}

	err = s.reply(ctx, mail)
	if err != nil && !errors.Is(err, ErrDropped) {
		// Let the relay's redelivery through after an infrastructure failure.
		if ferr := s.deps.Dedup.Forget(ctx, key); ferr != nil {
			slog.WarnContext(ctx, "failed to release inbound dedup key", "id", mail.ID, "error", ferr)
		}
	}
	return err
}

func (s *Service) reply(ctx context.Context, mail *InboundMail) error {
	prefix, domain := recipient.SplitAddress(mail.RcptTo)
	senderLocal, senderDomain := recipient.SplitAddress(mail.MailFrom)
	if domain == "" {
		return fmt.Errorf("%w: unparsable recipient %q", ErrDropped, mail.RcptTo)
	}
	if senderDomain == "" {
		return fmt.Errorf("%w: unparsable sender %q", ErrDropped, mail.MailFrom)
	}

	server, err := s.deps.Servers.GetServerByDomain(ctx, domain)
	if errors.Is(err, store.ErrNotFound) {
		slog.DebugContext(ctx, "inbound mail for unknown server", "domain", domain)
		return fmt.Errorf("%w: unknown server %q", ErrDropped, domain)
	}
	if err != nil {
		return fmt.Errorf("resolve server %q: %w", domain, err)
	}

	_, err = s.deps.Servers.GetServerByDomain(ctx, senderDomain)
	if err == nil {
		slog.WarnContext(ctx, "loop prevented: sender is a fleet server", "sender_domain", senderDomain, "rcpt_to", mail.RcptTo)
		return fmt.Errorf("%w: loop from %s", ErrDropped, senderDomain)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve sender %q: %w", senderDomain, err)
	}

	sender := senderLocal + "@" + senderDomain
	rcpt := prefix + "@" + domain

	if s.opts.ThreadEnabled && mail.InReplyTo != "" && s.deps.Threads != nil {
		_, err := s.deps.Threads.HandleReply(ctx, thread.Reply{
			From:      sender,
			To:        rcpt,
			Subject:   mail.Subject,
			InReplyTo: mail.InReplyTo,
		})
		if isThreadDrop(err) {
			return fmt.Errorf("%w: %w", ErrDropped, err)
		}
		return err
	}

	templateID, err := s.templateID(ctx, prefix)
	if err != nil {
		return err
	}
	jobID, err := s.deps.Queue.Enqueue(ctx, server.ID, sender, rcpt, "Re: "+mail.Subject, models.JobMeta{
		Domain:            domain,
		Prefix:            prefix,
		TemplateID:        templateID,
		OriginalMessageID: string(mail.ID),
	})
	if err != nil {
		return fmt.Errorf("enqueue auto-reply: %w", err)
	}
	slog.InfoContext(ctx, "auto-reply queued", "job_id", jobID, "server_id", server.ID, "from", rcpt, "to", sender)
	return nil
}

func (s *Service) templateID(ctx context.Context, name string) (*int64, error) {
	if name == "" {
		return nil, nil
	}
	tpl, err := s.deps.Templates.GetByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup template %q: %w", name, err)
	}
	id := tpl.ID
	return &id, nil
}

func isThreadDrop(err error) bool {
	return errors.Is(err, thread.ErrParentNotFound) ||
		errors.Is(err, thread.ErrTemplateMissing) ||
		errors.Is(err, thread.ErrMaxExchanges) ||
		errors.Is(err, thread.ErrNoTemplate)
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
