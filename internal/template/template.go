package template

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/znz-systems/relaywarm/internal/models"
	"github.com/znz-systems/relaywarm/internal/store"
)

// Prepared is a template rendered for one recipient.
type Prepared struct {
	ID       *int64
	Name     string
	Subject  string
	Text     string
	HTML     string
	FromName string
	ReplyTo  string
}

type Preparer struct {
	templates store.TemplateStore
	now       func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewPreparer(templates store.TemplateStore, src rand.Source) *Preparer {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Preparer{templates: templates, now: time.Now, rnd: rand.New(src)}
}

// Prepare renders the template called name for recipient as sent by
// prefix@domain. A name with no stored template falls back to the built-in
// message so warmup traffic never stalls on a missing template.
func (p *Preparer) Prepare(ctx context.Context, name, prefix, domain, recipient string) (Prepared, error) {
	tpl, err := p.templates.GetTemplateByName(ctx, name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return Prepared{}, fmt.Errorf("load template %q: %w", name, err)
		}
		return p.render(defaultTemplate(name), nil, prefix, domain, recipient), nil
	}
	id := tpl.ID
	return p.render(tpl, &id, prefix, domain, recipient), nil
}

// PrepareByID renders a stored template; a missing id is store.ErrNotFound.
func (p *Preparer) PrepareByID(ctx context.Context, id int64, prefix, domain, recipient string) (Prepared, error) {
	tpl, err := p.templates.GetTemplateByID(ctx, id)
	if err != nil {
		return Prepared{}, fmt.Errorf("load template %d: %w", id, err)
	}
	tplID := tpl.ID
	return p.render(tpl, &tplID, prefix, domain, recipient), nil
}

func (p *Preparer) GetByName(ctx context.Context, name string) (*models.Template, error) {
	return p.templates.GetTemplateByName(ctx, name)
}

func (p *Preparer) GetByID(ctx context.Context, id int64) (*models.Template, error) {
	return p.templates.GetTemplateByID(ctx, id)
}

func (p *Preparer) render(tpl *models.Template, id *int64, prefix, domain, recipient string) Prepared {
	local, _ := splitLocal(recipient)
	r := strings.NewReplacer(
		"{{domain}}", domain,
		"{{prefix}}", prefix,
		"{{sender}}", prefix+"@"+domain,
		"{{recipient}}", recipient,
		"{{recipient_name}}", local,
		"{{date}}", p.now().Format("2006-01-02"),
	)

	subject := ""
	if len(tpl.Subjects) > 0 {
		p.mu.Lock()
		subject = tpl.Subjects[p.rnd.Intn(len(tpl.Subjects))]
		p.mu.Unlock()
	}

	return Prepared{
		ID:       id,
		Name:     tpl.Name,
		Subject:  r.Replace(subject),
		Text:     r.Replace(tpl.TextBody),
		HTML:     r.Replace(tpl.HTMLBody),
		FromName: r.Replace(tpl.FromName),
		ReplyTo:  r.Replace(tpl.ReplyTo),
	}
}

func splitLocal(address string) (string, bool) {
	at := strings.LastIndexByte(address, '@')
	if at <= 0 {
		return address, false
	}
	return address[:at], true
}
