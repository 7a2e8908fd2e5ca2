package template

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/znz-systems/relaywarm/internal/models"
	"github.com/znz-systems/relaywarm/internal/store"
)

type mockTemplateStore struct {
	byName map[string]*models.Template
	err    error
}

func (m *mockTemplateStore) GetTemplateByID(ctx context.Context, id int64) (*models.Template, error) {
	for _, t := range m.byName {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockTemplateStore) GetTemplateByName(ctx context.Context, name string) (*models.Template, error) {
	if m.err != nil {
		return nil, m.err
	}
	if t, ok := m.byName[name]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockTemplateStore) ListTemplates(ctx context.Context) ([]models.Template, error) {
	var out []models.Template
	for _, t := range m.byName {
		out = append(out, *t)
	}
	return out, nil
}

func TestPrepare_SubstitutesPlaceholders(t *testing.T) {
	st := &mockTemplateStore{byName: map[string]*models.Template{
		"news": {
			ID:       7,
			Name:     "news",
			Subjects: []string{"News from {{domain}}"},
			TextBody: "Hi {{recipient_name}}, {{sender}} here.",
			HTMLBody: "<p>{{recipient}}</p>",
			FromName: "The {{prefix}} team",
			ReplyTo:  "reply@{{domain}}",
		},
	}}
	p := NewPreparer(st, rand.NewSource(1))
	p.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	got, err := p.Prepare(context.Background(), "news", "news", "relay.test", "alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID == nil || *got.ID != 7 {
		t.Fatalf("expected template id 7, got %v", got.ID)
	}
	if got.Subject != "News from relay.test" {
		t.Errorf("unexpected subject %q", got.Subject)
	}
	if got.Text != "Hi alice, news@relay.test here." {
		t.Errorf("unexpected text %q", got.Text)
	}
	if got.HTML != "<p>alice@example.com</p>" {
		t.Errorf("unexpected html %q", got.HTML)
	}
	if got.FromName != "The news team" || got.ReplyTo != "reply@relay.test" {
		t.Errorf("unexpected from/reply-to %q %q", got.FromName, got.ReplyTo)
	}
}

func TestPrepare_MissingTemplateFallsBack(t *testing.T) {
	p := NewPreparer(&mockTemplateStore{}, rand.NewSource(1))

	got, err := p.Prepare(context.Background(), "support", "support", "relay.test", "bob@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != nil {
		t.Errorf("expected no template id for built-in template")
	}
	if got.Name != "support" {
		t.Errorf("expected name support, got %q", got.Name)
	}
	if got.Subject == "" || got.Text == "" {
		t.Errorf("expected built-in content, got %+v", got)
	}
}

func TestPrepare_StoreError(t *testing.T) {
	p := NewPreparer(&mockTemplateStore{err: errors.New("db down")}, nil)
	if _, err := p.Prepare(context.Background(), "x", "x", "d", "r@e.com"); err == nil {
		t.Fatal("expected error")
	}
}

func TestPrepare_PrefixIndependentOfName(t *testing.T) {
	st := &mockTemplateStore{byName: map[string]*models.Template{
		"support_reply2": {ID: 3, Name: "support_reply2", TextBody: "Best regards, {{prefix}} <{{sender}}>"},
	}}
	p := NewPreparer(st, rand.NewSource(1))

	got, err := p.Prepare(context.Background(), "support_reply2", "support", "relay.test", "bob@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "support_reply2" {
		t.Errorf("expected name support_reply2, got %q", got.Name)
	}
	if got.Text != "Best regards, support <support@relay.test>" {
		t.Errorf("unexpected text %q", got.Text)
	}
}
