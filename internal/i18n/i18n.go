package i18n

import (
	"encoding/json"
	"fmt"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"

	"github.com/tg-clean-bot-go/internal/config"
)

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	dir := cfg.Directory
	if dir == "" {
		dir = "configs/i18n"
	}
	for _, lang := range cfg.Languages {
		if _, err := bundle.LoadMessageFile(fmt.Sprintf("%s/%s.json", dir, lang)); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Default returns the localized message in the default language.
func (l *Localizer) Default(messageID string, data map[string]interface{}) string {
	return l.Get(l.defaultLanguage, messageID, data)
}

// Message IDs
const (
	MsgEvidenceHeader   = "evidence_header"
	MsgDebugReport      = "debug_report"
	MsgConfigSent       = "config_sent"
	MsgConfigLocked     = "config_locked"
	MsgConfigUpdated    = "config_updated"
	MsgConfigShow       = "config_show"
	MsgConfigInvalidKey = "config_invalid_key"
	MsgPurgeBegin       = "purge_begin"
	MsgPurgeEnd         = "purge_end"
	MsgPurgeTooWide     = "purge_too_wide"
	MsgPurgeBusy        = "purge_busy"
	MsgPurgeNoMarker    = "purge_no_marker"
	MsgCleanDone        = "clean_done"
	MsgDafmDone         = "dafm_done"
	MsgDafmDisabled     = "dafm_disabled"
	MsgDafmUsed         = "dafm_used"
	MsgNoPermission     = "no_permission"
	MsgVersion          = "version"
)
