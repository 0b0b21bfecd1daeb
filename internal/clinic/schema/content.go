package schema

import (
	"sort"
	"strings"

	"github.com/pointcare/clinicsync/internal/clinic"
)

// Language codes used by the clinic forms.
const (
	LanguageEnglish = "en"
	LanguageArabic  = "ar"
)

// LanguageString is a multilingual text value backed by a content record.
// ID is empty for a value that has not been persisted yet.
type LanguageString struct {
	ID      string            `json:"id,omitempty"`
	Content map[string]string `json:"content"`
}

// ContentEntry is one (language, text) pair of a content record.
type ContentEntry struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// Text returns a LanguageString with a single entry.
func Text(lang, text string) LanguageString {
	return LanguageString{Content: map[string]string{lang: text}}
}

// Get returns the text for lang. When lang has no entry the first
// available language (in code order) is used, so a name entered in Arabic
// still displays on an English device.
func (s LanguageString) Get(lang string) string {
	if text, ok := s.Content[lang]; ok {
		return text
	}
	langs := s.Languages()
	if len(langs) == 0 {
		return ""
	}
	return s.Content[langs[0]]
}

// Languages returns the language codes present, sorted.
func (s LanguageString) Languages() []string {
	langs := make([]string, 0, len(s.Content))
	for lang := range s.Content {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// IsBlank reports whether no language carries non-whitespace text.
func (s LanguageString) IsBlank() bool {
	for _, text := range s.Content {
		if strings.TrimSpace(text) != "" {
			return false
		}
	}
	return true
}

// Entries returns the content as sorted entries.
func (s LanguageString) Entries() []ContentEntry {
	entries := make([]ContentEntry, 0, len(s.Content))
	for _, lang := range s.Languages() {
		entries = append(entries, ContentEntry{Language: lang, Text: s.Content[lang]})
	}
	return entries
}

// ValidateLanguage checks that code looks like a language tag ("en", "ar", "pt-br").
func ValidateLanguage(code string) error {
	if code == "" {
		return clinic.Validationf("language is required")
	}
	if len(code) > 16 {
		return clinic.Validationf("language %q is too long", code)
	}
	for _, r := range code {
		if (r < 'a' || r > 'z') && r != '-' {
			return clinic.Validationf("language %q must be lowercase letters", code)
		}
	}
	return nil
}
