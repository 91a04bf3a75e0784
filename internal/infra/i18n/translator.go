package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"crm-enrichment/internal/domain/model"
)

//go:embed locales/*.yaml
var LocalesFS embed.FS

type Translator struct {
	lang         string
	translations map[string]string
}

// NewTranslator loads locales/<langCode>.yaml from fsys.
func NewTranslator(fsys fs.FS, langCode string) (*Translator, error) {
	filePath := path.Join("locales", langCode+".yaml")
	data, err := fs.ReadFile(fsys, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read translation file %s: %w", filePath, err)
	}
	return newTranslatorFromBytes(langCode, data)
}

func newTranslatorFromBytes(lang string, data []byte) (*Translator, error) {
	var translations map[string]string
	if err := yaml.Unmarshal(data, &translations); err != nil {
		return nil, fmt.Errorf("failed to parse translation file: %w", err)
	}
	return &Translator{lang: lang, translations: translations}, nil
}

func (t *Translator) Lang() string { return t.lang }

// T returns the translation for key, or key itself when it is missing.
func (t *Translator) T(key string, args ...interface{}) string {
	format, ok := t.translations[key]
	if !ok {
		return key
	}
	if len(args) > 0 {
		return fmt.Sprintf(format, args...)
	}
	return format
}

// StateMessage falls back to the built-in English text for untranslated states.
func (t *Translator) StateMessage(s model.TrackerState) string {
	if msg, ok := t.translations["state."+string(s)]; ok {
		return msg
	}
	return s.Message()
}

// Catalog holds every loaded language and negotiates between them.
type Catalog struct {
	def     *Translator
	byTag   []*Translator
	matcher language.Matcher
}

// LoadCatalog loads every locales/*.yaml in fsys. defaultLang must be among them.
func LoadCatalog(fsys fs.FS, defaultLang string) (*Catalog, error) {
	files, err := fs.Glob(fsys, "locales/*.yaml")
	if err != nil {
		return nil, err
	}
	byLang := make(map[string]*Translator, len(files))
	for _, f := range files {
		lang := strings.TrimSuffix(path.Base(f), ".yaml")
		tr, err := NewTranslator(fsys, lang)
		if err != nil {
			return nil, err
		}
		byLang[lang] = tr
	}
	def, ok := byLang[defaultLang]
	if !ok {
		return nil, fmt.Errorf("default language %q has no translation file", defaultLang)
	}

	// The matcher's first tag is its fallback.
	langs := make([]string, 0, len(byLang))
	for l := range byLang {
		if l != defaultLang {
			langs = append(langs, l)
		}
	}
	sort.Strings(langs)
	langs = append([]string{defaultLang}, langs...)

	c := &Catalog{def: def}
	tags := make([]language.Tag, 0, len(langs))
	for _, l := range langs {
		tag, err := language.Parse(l)
		if err != nil {
			return nil, fmt.Errorf("locale file %s.yaml: %w", l, err)
		}
		tags = append(tags, tag)
		c.byTag = append(c.byTag, byLang[l])
	}
	c.matcher = language.NewMatcher(tags)
	return c, nil
}

// Lookup picks the best translator for an Accept-Language value or a bare
// language code. Anything unparseable gets the default.
func (c *Catalog) Lookup(acceptLanguage string) *Translator {
	if strings.TrimSpace(acceptLanguage) == "" {
		return c.def
	}
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return c.def
	}
	_, idx, conf := c.matcher.Match(prefs...)
	if conf == language.No {
		return c.def
	}
	return c.byTag[idx]
}

func (c *Catalog) Languages() []string {
	out := make([]string, 0, len(c.byTag))
	for _, t := range c.byTag {
		out = append(out, t.lang)
	}
	return out
}
