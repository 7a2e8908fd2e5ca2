package recipient

import (
	"testing"

	"github.com/znz-systems/relaywarm/internal/models"
)

func TestClassify(t *testing.T) {
	c := NewClassifier([]models.RecipientClass{
		{Key: "gmail", Active: true, Domains: []string{"gmail.com", "googlemail.com"}},
		{Key: "yahoo", Active: true, Domains: []string{"Yahoo.com"}},
		{Key: "disabled", Active: false, Domains: []string{"example.org"}},
	})

	tests := []struct {
		address string
		want    string
	}{
		{"alice@gmail.com", "gmail"},
		{"Bob <bob@GoogleMail.com>", "gmail"},
		{"carol@mail.yahoo.com", "yahoo"},
		{"dave@example.org", FallbackClass},
		{"nobody", FallbackClass},
		{"", FallbackClass},
	}
	for _, tt := range tests {
		if got := c.Classify(tt.address); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.address, got, tt.want)
		}
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		in         string
		local, dom string
	}{
		{"news@relay.example.com", "news", "relay.example.com"},
		{"<news@Relay.Example.com>", "news", "relay.example.com"},
		{"Sender Name <hello@example.com>", "hello", "example.com"},
		{"missing-at", "", ""},
		{"@example.com", "", ""},
		{"user@", "", ""},
	}
	for _, tt := range tests {
		local, dom := SplitAddress(tt.in)
		if local != tt.local || dom != tt.dom {
			t.Errorf("SplitAddress(%q) = (%q, %q), want (%q, %q)", tt.in, local, dom, tt.local, tt.dom)
		}
	}
}
