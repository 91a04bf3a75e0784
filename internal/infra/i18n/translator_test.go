//go:build !integration

package i18n

import (
	"testing"
	"testing/fstest"

	"crm-enrichment/internal/domain/model"
)

func TestTranslator(t *testing.T) {
	translator, err := newTranslatorFromBytes("fa", []byte("greeting: سلام\nwelcome_user: سلام %s\nstate.enriched: تکمیل شد"))
	if err != nil {
		t.Fatalf("newTranslatorFromBytes failed: %v", err)
	}

	t.Run("should translate a simple key", func(t *testing.T) {
		if got, want := translator.T("greeting"), "سلام"; got != want {
			t.Errorf("wanted '%s', got '%s'", want, got)
		}
	})

	t.Run("should return key if not found", func(t *testing.T) {
		if got := translator.T("nonexistent_key"); got != "nonexistent_key" {
			t.Errorf("wanted 'nonexistent_key', got '%s'", got)
		}
	})

	t.Run("should format arguments correctly", func(t *testing.T) {
		if got, want := translator.T("welcome_user", "Ali"), "سلام Ali"; got != want {
			t.Errorf("wanted '%s', got '%s'", want, got)
		}
	})

	t.Run("should fall back to the built-in state message", func(t *testing.T) {
		if got := translator.StateMessage(model.TrackerStateEnriched); got != "تکمیل شد" {
			t.Errorf("expected translated message, got '%s'", got)
		}
		if got, want := translator.StateMessage(model.TrackerStateTimeout), model.TrackerStateTimeout.Message(); got != want {
			t.Errorf("wanted '%s', got '%s'", want, got)
		}
	})
}

func TestCatalog(t *testing.T) {
	c, err := LoadCatalog(LocalesFS, "en")
	if err != nil {
		t.Fatalf("expected no error, but got: %v", err)
	}

	t.Run("should cover every state in every embedded language", func(t *testing.T) {
		states := []model.TrackerState{
			model.TrackerStateIdle, model.TrackerStateProcessing, model.TrackerStateEnriched,
			model.TrackerStateUnenriched, model.TrackerStateTimeout, model.TrackerStateError,
		}
		for _, lang := range c.Languages() {
			tr := c.Lookup(lang)
			for _, s := range states {
				if _, ok := tr.translations["state."+string(s)]; !ok {
					t.Errorf("%s: missing state.%s", lang, s)
				}
			}
		}
	})

	cases := []struct {
		header string
		want   string
	}{
		{header: "", want: "en"},
		{header: "fa-IR,fa;q=0.9,en;q=0.5", want: "fa"},
		{header: "de-CH", want: "de"},
		{header: "ja", want: "en"},
		{header: ";;;garbage", want: "en"},
	}
	for _, tc := range cases {
		t.Run("should negotiate "+tc.header, func(t *testing.T) {
			if got := c.Lookup(tc.header).Lang(); got != tc.want {
				t.Errorf("wanted %s, got %s", tc.want, got)
			}
		})
	}

	t.Run("should reject a default without a file", func(t *testing.T) {
		fsys := fstest.MapFS{"locales/en.yaml": {Data: []byte("a: b")}}
		if _, err := LoadCatalog(fsys, "fr"); err == nil {
			t.Fatalf("expected an error, but got nil")
		}
	})
}
