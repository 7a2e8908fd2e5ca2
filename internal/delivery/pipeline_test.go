package delivery

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/znz-systems/relaywarm/internal/models"
	"github.com/znz-systems/relaywarm/internal/relay"
	"github.com/znz-systems/relaywarm/internal/stats"
	"github.com/znz-systems/relaywarm/internal/store"
	"github.com/znz-systems/relaywarm/internal/template"
)

type mockServerStore struct {
	servers map[int64]*models.Server
}

func (m *mockServerStore) GetServerByID(_ context.Context, id int64) (*models.Server, error) {
	if s, ok := m.servers[id]; ok {
		return s, nil
	}
	return nil, store.ErrNotFound
}
func (m *mockServerStore) GetServerByDomain(_ context.Context, domain string) (*models.Server, error) {
	for _, s := range m.servers {
		if s.Domain == domain {
			return s, nil
		}
	}
	return nil, store.ErrNotFound
}
func (m *mockServerStore) ListServers(_ context.Context, _ bool) ([]models.Server, error) {
	return nil, nil
}
func (m *mockServerStore) SetServerWarmupDay(_ context.Context, _ int64, _ int) error   { return nil }
func (m *mockServerStore) IncrementActiveServerDays(_ context.Context) error           { return nil }
func (m *mockServerStore) RecordServerResult(_ context.Context, _ int64, _ bool) error { return nil }
func (m *mockServerStore) RecordServerFailure(_ context.Context, _ int64) error        { return nil }

type mockHistoryStore struct {
	events []models.HistoryEventCreateParams
}

func (m *mockHistoryStore) CreateHistoryEvent(_ context.Context, p models.HistoryEventCreateParams) (*models.HistoryEvent, error) {
	m.events = append(m.events, p)
	return &models.HistoryEvent{ServerID: p.ServerID, EventType: p.EventType}, nil
}
func (m *mockHistoryStore) FindHistoryByMessageID(_ context.Context, _ ...string) (*models.HistoryEvent, error) {
	return nil, store.ErrNotFound
}
func (m *mockHistoryStore) DeleteHistoryBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}
func (m *mockHistoryStore) ThreadStats(_ context.Context, _ int64, _, _ time.Time) (models.ThreadStats, error) {
	return models.ThreadStats{}, nil
}

type mockPreparer struct {
	names []string
	byID  map[int64]string
}

func (m *mockPreparer) PrepareByID(_ context.Context, id int64, _, domain, _ string) (template.Prepared, error) {
	name, ok := m.byID[id]
	if !ok {
		return template.Prepared{}, store.ErrNotFound
	}
	m.names = append(m.names, name)
	return template.Prepared{ID: &id, Name: name, Subject: "Re: hi from " + domain}, nil
}

func (m *mockPreparer) Prepare(_ context.Context, name, _, domain, _ string) (template.Prepared, error) {
	m.names = append(m.names, name)
	id := int64(9)
	return template.Prepared{
		ID:       &id,
		Name:     name,
		Subject:  "Hello from " + domain,
		Text:     "text",
		HTML:     "<p>html</p>",
		ReplyTo:  "reply@" + domain,
		FromName: "",
	}, nil
}

type mockRelay struct {
	fail     int
	calls    int
	messages []relay.Message
}

func (m *mockRelay) SendMessage(_ context.Context, _ *models.Server, msg relay.Message) (relay.Result, error) {
	m.calls++
	m.messages = append(m.messages, msg)
	if m.calls <= m.fail {
		return relay.Result{Latency: 5 * time.Millisecond}, errors.Join(relay.ErrTransport, errors.New("connection refused"))
	}
	return relay.Result{MessageID: "msg-1", Latency: 10 * time.Millisecond}, nil
}

type mockStats struct {
	attempts []stats.Attempt
}

func (m *mockStats) RecordAttempt(_ context.Context, a stats.Attempt) error {
	m.attempts = append(m.attempts, a)
	return nil
}

type staticClassifier string

func (c staticClassifier) Classify(string) string { return string(c) }

type mockRetries struct {
	tasks []RetryTask
	at    []time.Time
}

func (m *mockRetries) ScheduleRetry(_ context.Context, task RetryTask, at time.Time) error {
	m.tasks = append(m.tasks, task)
	m.at = append(m.at, at)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	relay    *mockRelay
	history  *mockHistoryStore
	stats    *mockStats
	retries  *mockRetries
	preparer *mockPreparer
	now      time.Time
}

func newFixture(opts Options, failures int) *fixture {
	f := &fixture{
		relay:    &mockRelay{fail: failures},
		history:  &mockHistoryStore{},
		stats:    &mockStats{},
		retries:  &mockRetries{},
		preparer: &mockPreparer{},
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	servers := &mockServerStore{servers: map[int64]*models.Server{
		1: {ID: 1, Domain: "relay.test", APIURL: "http://relay", APIKey: "k"},
	}}
	f.pipeline = NewPipeline(Deps{
		Servers:   servers,
		History:   f.history,
		Templates: f.preparer,
		Relay:     f.relay,
		Stats:     f.stats,
		Classes:   staticClassifier("gmail"),
		Retries:   f.retries,
	}, opts)
	f.pipeline.now = func() time.Time { return f.now }
	return f
}

func TestSend_Success(t *testing.T) {
	f := newFixture(Options{GlobalTag: "warmup", DefaultFromName: "Team", Source: "relaywarm/test", CustomHeaders: "X-Extra: yes"}, 0)

	out, err := f.pipeline.Send(context.Background(), Request{ServerID: 1, Prefix: "news", To: "alice@gmail.com", HandleRetry: true})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "msg-1", out.MessageID)

	require.Len(t, f.relay.messages, 1)
	msg := f.relay.messages[0]
	assert.Equal(t, "Team <news@relay.test>", msg.From)
	assert.Equal(t, []string{"alice@gmail.com"}, msg.To)
	assert.Equal(t, "relaywarm/test", msg.Headers["X-Warmup-Source"])
	assert.Equal(t, "news", msg.Headers["X-Warmup-Template"])
	assert.Equal(t, "bulk", msg.Headers["Precedence"])
	assert.Equal(t, "auto-generated", msg.Headers["Auto-Submitted"])
	assert.Equal(t, "<mailto:unsubscribe@relay.test?subject=unsubscribe>", msg.Headers["List-Unsubscribe"])
	assert.Equal(t, "yes", msg.Headers["X-Extra"])
	assert.Equal(t, "reply@relay.test", msg.ReplyTo)
	assert.Equal(t, "warmup", msg.Tag)

	require.Len(t, f.history.events, 1)
	ev := f.history.events[0]
	assert.Equal(t, models.EventSent, ev.EventType)
	assert.Equal(t, "msg-1", ev.MessageID)
	assert.Equal(t, "news", ev.Meta.TemplateName)
	assert.Equal(t, "news@relay.test", ev.EmailFrom)

	require.Len(t, f.stats.attempts, 1)
	assert.Equal(t, stats.Attempt{ServerID: 1, ClassKey: "gmail", Success: true, Latency: 10 * time.Millisecond}, f.stats.attempts[0])
	assert.Empty(t, f.retries.tasks)
}

func TestSend_DomainResolutionAndDefaults(t *testing.T) {
	f := newFixture(Options{FromOverride: "bulk@elsewhere.test"}, 0)

	_, err := f.pipeline.Send(context.Background(), Request{Domain: "relay.test", To: "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{defaultPrefix}, f.preparer.names)
	assert.Equal(t, "bulk@elsewhere.test", f.relay.messages[0].From)
	assert.Empty(t, f.relay.messages[0].Tag)
}

func TestSend_ThreadMetaAndSubject(t *testing.T) {
	f := newFixture(Options{GlobalTag: "warmup"}, 0)

	_, err := f.pipeline.Send(context.Background(), Request{
		ServerID: 1,
		Prefix:   "sales",
		To:       "human@example.com",
		Subject:  "Re: pricing",
		Meta: models.JobMeta{
			TemplateName: "intro_reply2",
			ThreadID:     "t-1",
			ThreadDepth:  2,
			BaseName:     "intro",
			Tag:          "warmup-reply-2",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"intro_reply2"}, f.preparer.names)
	msg := f.relay.messages[0]
	assert.Equal(t, "Re: pricing", msg.Subject)
	assert.Equal(t, "warmup-reply-2", msg.Tag)
	ev := f.history.events[0]
	assert.Equal(t, 2, ev.Meta.ThreadDepth)
	assert.Equal(t, "t-1", ev.Meta.ThreadID)
}

func TestSend_ServerNotFound(t *testing.T) {
	f := newFixture(Options{}, 0)

	_, err := f.pipeline.Send(context.Background(), Request{ServerID: 42, To: "x@example.com", HandleRetry: true})
	require.ErrorIs(t, err, ErrServerNotFound)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.relay.calls)
	assert.Empty(t, f.retries.tasks)
}

func TestSend_FailureSchedulesRetry(t *testing.T) {
	f := newFixture(Options{Retry: RetryPolicy{MaxRetries: 3, BaseDelay: time.Minute, Strategy: StrategyExponential, MaxDelay: 15 * time.Minute}}, 1)

	out, err := f.pipeline.Send(context.Background(), Request{ServerID: 1, Prefix: "news", To: "a@b.test", HandleRetry: true, JobID: 77})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.True(t, out.RetryScheduled)

	require.Len(t, f.retries.tasks, 1)
	task := f.retries.tasks[0]
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, int64(77), task.JobID)
	assert.True(t, task.HandleRetry)
	assert.Contains(t, task.LastError, "connection refused")
	assert.Equal(t, f.now.Add(2*time.Minute), f.retries.at[0])

	require.Len(t, f.history.events, 1)
	assert.Equal(t, models.EventFailed, f.history.events[0].EventType)
	assert.False(t, f.stats.attempts[0].Success)
}

func TestSend_AtMostMaxPlusOneAttempts(t *testing.T) {
	f := newFixture(Options{Retry: RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, Strategy: StrategyFixed, MaxDelay: time.Minute}}, 100)

	req := Request{ServerID: 1, Prefix: "news", To: "a@b.test", HandleRetry: true}
	for i := 0; i < 10; i++ {
		out, err := f.pipeline.Send(context.Background(), req)
		require.NoError(t, err)
		if !out.RetryScheduled {
			assert.True(t, out.Terminal)
			break
		}
		req = f.retries.tasks[len(f.retries.tasks)-1].Request
	}
	assert.Equal(t, 4, f.relay.calls)
	assert.Len(t, f.retries.tasks, 3)
}

func TestSend_NoRetryHandlingReturnsError(t *testing.T) {
	f := newFixture(Options{}, 1)

	out, err := f.pipeline.Send(context.Background(), Request{ServerID: 1, To: "a@b.test"})
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.ErrTransport)
	assert.False(t, out.Success)
	assert.Empty(t, f.retries.tasks)
}

func TestSend_HooksRunInOrder(t *testing.T) {
	f := newFixture(Options{}, 0)
	f.pipeline.Use(
		PayloadHookFunc(func(msg relay.Message, _ template.Prepared) relay.Message {
			msg.Subject += " [1]"
			return msg
		}),
		PayloadHookFunc(func(msg relay.Message, p template.Prepared) relay.Message {
			msg.Subject += " [2:" + p.Name + "]"
			return msg
		}),
	)

	_, err := f.pipeline.Send(context.Background(), Request{ServerID: 1, Prefix: "news", To: "a@b.test"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(f.relay.messages[0].Subject, " [1] [2:news]"), f.relay.messages[0].Subject)
}

func TestTestConnection(t *testing.T) {
	f := newFixture(Options{}, 0)
	report, err := f.pipeline.TestConnection(context.Background(), 1, "ops@example.com")
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, "Test <test@relay.test>", f.relay.messages[0].From)
	assert.Empty(t, f.stats.attempts)

	f = newFixture(Options{}, 1)
	report, err = f.pipeline.TestConnection(context.Background(), 1, "ops@example.com")
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Contains(t, report.Message, "test failed")

	_, err = f.pipeline.TestConnection(context.Background(), 99, "ops@example.com")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestSend_TemplateByID(t *testing.T) {
	f := newFixture(Options{}, 0)
	f.preparer.byID = map[int64]string{4: "autoreply"}

	id := int64(4)
	_, err := f.pipeline.Send(context.Background(), Request{ServerID: 1, Prefix: "news", To: "bob@gmail.com", Meta: models.JobMeta{TemplateID: &id}})
	require.NoError(t, err)

	missing := int64(77)
	_, err = f.pipeline.Send(context.Background(), Request{ServerID: 1, Prefix: "news", To: "bob@gmail.com", Meta: models.JobMeta{TemplateID: &missing}})
	require.NoError(t, err)

	assert.Equal(t, []string{"autoreply", "news"}, f.preparer.names)
}

type stubTemplateStore map[string]*models.Template

func (s stubTemplateStore) GetTemplateByID(_ context.Context, id int64) (*models.Template, error) {
	for _, t := range s {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, store.ErrNotFound
}
func (s stubTemplateStore) GetTemplateByName(_ context.Context, name string) (*models.Template, error) {
	if t, ok := s[name]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}
func (s stubTemplateStore) ListTemplates(_ context.Context) ([]models.Template, error) {
	return nil, nil
}

func TestSend_ThreadReplySignsWithSenderPrefix(t *testing.T) {
	f := newFixture(Options{}, 0)
	f.pipeline.templates = template.NewPreparer(stubTemplateStore{
		"support_reply2": {ID: 12, Name: "support_reply2", Subjects: []string{"Re: hello"}, TextBody: "Best regards, {{prefix}} <{{sender}}>"},
	}, rand.NewSource(1))

	_, err := f.pipeline.Send(context.Background(), Request{
		ServerID: 1,
		Prefix:   "support",
		To:       "bob@gmail.com",
		Meta:     models.JobMeta{TemplateName: "support_reply2", ThreadDepth: 2},
	})
	require.NoError(t, err)

	require.Len(t, f.relay.messages, 1)
	msg := f.relay.messages[0]
	assert.Contains(t, msg.From, "support@relay.test")
	assert.Equal(t, "Best regards, support <support@relay.test>", msg.PlainBody)
	assert.Equal(t, "support_reply2", msg.Headers["X-Warmup-Template"])
}
