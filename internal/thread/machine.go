package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/znz-systems/relaywarm/internal/models"
	"github.com/znz-systems/relaywarm/internal/recipient"
	"github.com/znz-systems/relaywarm/internal/store"
)

var (
	ErrParentNotFound  = errors.New("thread: parent message not found")
	ErrTemplateMissing = errors.New("thread: parent has no template name")
	ErrMaxExchanges    = errors.New("thread: max exchanges reached")
	ErrNoTemplate      = errors.New("thread: no template for next step")
)

type HistoryFinder interface {
	FindHistoryByMessageID(ctx context.Context, messageIDs ...string) (*models.HistoryEvent, error)
}

type TemplateLookup interface {
	GetByName(ctx context.Context, name string) (*models.Template, error)
	GetByID(ctx context.Context, id int64) (*models.Template, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, serverID int64, to, from, subject string, meta models.JobMeta) (int64, error)
	Reschedule(ctx context.Context, jobID int64, at time.Time) error
}

type Config struct {
	MaxExchanges       int
	DelayMin           time.Duration
	DelayMax           time.Duration
	Suffix             string
	TagPrefix          string
	FallbackTemplateID int64
}

func DefaultConfig() Config {
	return Config{
		MaxExchanges: 3,
		DelayMin:     5 * time.Minute,
		DelayMax:     30 * time.Minute,
		Suffix:       "_reply",
		TagPrefix:    "warmup-reply",
	}
}

// Reply is a human answer to one of our messages.
type Reply struct {
	From      string
	To        string
	Subject   string
	InReplyTo string
}

type Result struct {
	JobID        int64
	ServerID     int64
	Depth        int
	TemplateName string
	Delay        time.Duration
	ScheduledAt  time.Time
}

type Machine struct {
	history   HistoryFinder
	templates TemplateLookup
	queue     Enqueuer
	cfg       Config
	now       func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewMachine(history HistoryFinder, templates TemplateLookup, queue Enqueuer, cfg Config, src rand.Source) *Machine {
	if cfg.Suffix == "" {
		cfg.Suffix = DefaultConfig().Suffix
	}
	if cfg.TagPrefix == "" {
		cfg.TagPrefix = DefaultConfig().TagPrefix
	}
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Machine{
		history:   history,
		templates: templates,
		queue:     queue,
		cfg:       cfg,
		now:       time.Now,
		rnd:       rand.New(src),
	}
}

// HandleReply schedules the next scripted message of the thread the reply
// belongs to.
func (m *Machine) HandleReply(ctx context.Context, r Reply) (Result, error) {
	parent, err := m.history.FindHistoryByMessageID(ctx, r.InReplyTo, "<"+strings.Trim(r.InReplyTo, "<>")+">")
	if errors.Is(err, store.ErrNotFound) {
		slog.DebugContext(ctx, "thread parent not found", "in_reply_to", r.InReplyTo)
		return Result{}, ErrParentNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("find thread parent: %w", err)
	}

	name := parent.Meta.TemplateName
	if name == "" {
		slog.WarnContext(ctx, "thread parent has no template name", "history_id", parent.ID, "in_reply_to", r.InReplyTo)
		return Result{}, ErrTemplateMissing
	}

	base, depth := SplitName(name, m.cfg.Suffix)
	if depth >= m.cfg.MaxExchanges {
		slog.InfoContext(ctx, "thread max exchanges reached", "template", name, "depth", depth, "max", m.cfg.MaxExchanges)
		return Result{}, ErrMaxExchanges
	}

	target := depth + 1
	tpl, err := m.nextTemplate(ctx, base, target)
	if err != nil {
		return Result{}, err
	}

	threadID := r.InReplyTo
	if parent.MessageID != nil && *parent.MessageID != "" {
		threadID = *parent.MessageID
	}
	prefix, domain := recipient.SplitAddress(r.To)
	meta := models.JobMeta{
		Domain:       domain,
		Prefix:       prefix,
		TemplateID:   &tpl.ID,
		TemplateName: tpl.Name,
		ThreadID:     threadID,
		ThreadDepth:  target,
		BaseName:     base,
		Tag:          m.cfg.TagPrefix + "-" + strconv.Itoa(target),
	}

	jobID, err := m.queue.Enqueue(ctx, parent.ServerID, r.From, r.To, "Re: "+r.Subject, meta)
	if err != nil {
		return Result{}, fmt.Errorf("enqueue thread reply: %w", err)
	}

	delay := m.delay()
	at := m.now().Add(delay)
	if err := m.queue.Reschedule(ctx, jobID, at); err != nil {
		return Result{}, fmt.Errorf("schedule thread reply: %w", err)
	}

	slog.InfoContext(ctx, "human_reply_queued",
		"job_id", jobID,
		"server_id", parent.ServerID,
		"exchange", target,
		"template", tpl.Name,
		"delay_sec", int(delay.Seconds()),
		"from", r.To,
		"to", r.From,
	)
	return Result{
		JobID:        jobID,
		ServerID:     parent.ServerID,
		Depth:        target,
		TemplateName: tpl.Name,
		Delay:        delay,
		ScheduledAt:  at,
	}, nil
}

func (m *Machine) nextTemplate(ctx context.Context, base string, target int) (*models.Template, error) {
	name := base + m.cfg.Suffix + strconv.Itoa(target)
	tpl, err := m.templates.GetByName(ctx, name)
	if err == nil {
		return tpl, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load template %q: %w", name, err)
	}

	if m.cfg.FallbackTemplateID > 0 {
		tpl, err = m.templates.GetByID(ctx, m.cfg.FallbackTemplateID)
		if err == nil {
			return tpl, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load fallback template %d: %w", m.cfg.FallbackTemplateID, err)
		}
	}
	slog.InfoContext(ctx, "thread_no_template", "template", name, "fallback_id", m.cfg.FallbackTemplateID)
	return nil, ErrNoTemplate
}

func (m *Machine) delay() time.Duration {
	lo, hi := int64(m.cfg.DelayMin/time.Second), int64(m.cfg.DelayMax/time.Second)
	if hi < lo {
		lo, hi = hi, lo
	}
	m.mu.Lock()
	n := lo + m.rnd.Int63n(hi-lo+1)
	m.mu.Unlock()
	return time.Duration(n) * time.Second
}

// SplitName returns the chain base and depth encoded in a template name.
// A name without the suffix is the chain root at depth 1; a suffix with no
// leading digits after it is depth 0.
func SplitName(name, suffix string) (base string, depth int) {
	i := strings.LastIndex(name, suffix)
	if suffix == "" || i < 0 {
		return name, 1
	}
	base = name[:strings.Index(name, suffix)]
	tail := name[i+len(suffix):]
	end := 0
	for end < len(tail) && tail[end] >= '0' && tail[end] <= '9' {
		end++
	}
	depth, _ = strconv.Atoi(tail[:end])
	return base, depth
}
