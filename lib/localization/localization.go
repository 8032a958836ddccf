// Package localization translates the human-facing strings the API returns:
// challenge instructions and public error messages.
package localization

import (
	"embed"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type LocalizationService struct {
	bundle *i18n.Bundle
}

var (
	globalService *LocalizationService
	once          sync.Once
)

func newBundle() *i18n.Bundle {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)
	return bundle
}

func NewLocalizationService() *LocalizationService {
	once.Do(func() {
		bundle := newBundle()
		globalService = &LocalizationService{bundle: bundle}

		entries, err := localeFS.ReadDir("locales")
		if err != nil {
			return
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || entry.Name() == "manifest.json" {
				continue
			}

			// a broken locale file should not take the others down with it
			_, _ = bundle.LoadMessageFileFS(localeFS, "locales/"+entry.Name())
		}
	})

	return globalService
}

func (ls *LocalizationService) GetLocalizer(lang string) *i18n.Localizer {
	return i18n.NewLocalizer(ls.bundle, lang)
}

func (ls *LocalizationService) GetLocalizerFromRequest(r *http.Request) *i18n.Localizer {
	if ls == nil || ls.bundle == nil {
		return i18n.NewLocalizer(newBundle(), "en")
	}
	acceptLanguage := r.Header.Get("Accept-Language")
	return i18n.NewLocalizer(ls.bundle, acceptLanguage, "en")
}

// SimpleLocalizer wraps i18n.Localizer with a more convenient API
type SimpleLocalizer struct {
	Localizer *i18n.Localizer
}

// T provides a concise way to localize messages. It panics on unknown IDs.
func (sl *SimpleLocalizer) T(messageID string) string {
	return sl.Localizer.MustLocalize(&i18n.LocalizeConfig{MessageID: messageID})
}

// Or localizes messageID, returning fallback when no locale defines it.
func (sl *SimpleLocalizer) Or(messageID, fallback string) string {
	if sl == nil || sl.Localizer == nil {
		return fallback
	}

	result, err := sl.Localizer.Localize(&i18n.LocalizeConfig{MessageID: messageID})
	if err != nil || result == "" {
		return fallback
	}

	return result
}

// Instructions returns the how-to text shown next to a challenge of kind.
func (sl *SimpleLocalizer) Instructions(kind string) string {
	return sl.Or("instructions_"+kind, "")
}

// GetLocalizer creates a localizer based on the request's Accept-Language header
func GetLocalizer(r *http.Request) *SimpleLocalizer {
	localizer := NewLocalizationService().GetLocalizerFromRequest(r)
	return &SimpleLocalizer{Localizer: localizer}
}
