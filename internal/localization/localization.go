// Package localization loads the bot's texts from JSON files, one file per
// language, and looks them up with a fallback to English.
package localization

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
)

// DefaultLang is used when a text is missing in the requested language.
const DefaultLang = "en"

//go:embed locales/*.json
var bundled embed.FS

// Localizer holds the loaded translations keyed by language, then text key.
type Localizer struct {
	translations map[string]map[string]string
	mu           sync.RWMutex
}

// NewLocalizer loads every *.json file in dir; "uk.json" becomes language "uk".
func NewLocalizer(dir string) (*Localizer, error) {
	return Load(os.DirFS(dir))
}

// Bundled returns a Localizer over the texts compiled into the binary.
func Bundled() *Localizer {
	sub, err := fs.Sub(bundled, "locales")
	if err != nil {
		panic(err)
	}
	l, err := Load(sub)
	if err != nil {
		panic(err)
	}
	return l
}

// Load reads the translations from the top level of fsys.
func Load(fsys fs.FS) (*Localizer, error) {
	l := &Localizer{translations: make(map[string]map[string]string)}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read localization directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read localization file %s: %w", entry.Name(), err)
		}
		var texts map[string]string
		if err := json.Unmarshal(data, &texts); err != nil {
			return nil, fmt.Errorf("failed to parse localization file %s: %w", entry.Name(), err)
		}
		l.translations[strings.TrimSuffix(entry.Name(), ".json")] = texts
	}
	return l, nil
}

// GetString returns the text for key in lang. Unknown languages and keys
// fall back to DefaultLang, then to the key itself.
func (l *Localizer) GetString(lang, key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if value, ok := l.translations[normalize(lang)][key]; ok {
		return value
	}
	if value, ok := l.translations[DefaultLang][key]; ok {
		return value
	}
	return key
}

// Format looks up key like GetString and fills in its fmt verbs.
func (l *Localizer) Format(lang, key string, args ...interface{}) string {
	return fmt.Sprintf(l.GetString(lang, key), args...)
}

// Languages lists the loaded language codes.
func (l *Localizer) Languages() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	langs := make([]string, 0, len(l.translations))
	for lang := range l.translations {
		langs = append(langs, lang)
	}
	return langs
}

// normalize turns Telegram's "en-US" style codes into "en".
func normalize(lang string) string {
	lang = strings.ToLower(lang)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}
