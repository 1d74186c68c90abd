package product

import (
	"errors"
	"testing"
)

func TestKey(t *testing.T) {
	tests := []struct {
		manufacturer, model string
		want                string
	}{
		{"AcmeCorp", "X100", "acmecorp/x100"},
		{"Électrolux", "EW 6F4 R28B", "electrolux/ew_6f4_r28b"},
		{"  Bosch ", "Serie|4/SMS4", "bosch/serie_4_sms4"},
		{"LG", "../../etc", "lg/etc"},
	}
	for _, tt := range tests {
		id, err := New(tt.manufacturer, tt.model)
		if err != nil {
			t.Fatalf("New(%q, %q): %v", tt.manufacturer, tt.model, err)
		}
		if got := id.Key(); got != tt.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tt.manufacturer, tt.model, got, tt.want)
		}
	}
}

func TestNew_Invalid(t *testing.T) {
	for _, pair := range [][2]string{{"", "X100"}, {"Acme", "  "}, {"???", "X1"}} {
		if _, err := New(pair[0], pair[1]); !errors.Is(err, ErrInvalid) {
			t.Errorf("New(%q, %q) err = %v, want ErrInvalid", pair[0], pair[1], err)
		}
	}
}

func TestPaths(t *testing.T) {
	id, _ := New("AcmeCorp", "X100")
	if got := id.KnowledgeBasePath(); got != "manuals/acmecorp/x100/knowledge_base.json" {
		t.Errorf("KnowledgeBasePath = %q", got)
	}
	if got := id.TextPath(); got != "manuals/acmecorp/x100/extracted.txt" {
		t.Errorf("TextPath = %q", got)
	}
	if got := id.ManualPath(); got != "manuals/acmecorp/x100/manual" {
		t.Errorf("ManualPath = %q", got)
	}
}
