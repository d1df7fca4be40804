package classifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/dictionary"
	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/internal/services/cache"
	"github.com/tg-clean-bot-go/internal/services/qr"
	"github.com/tg-clean-bot-go/internal/state"
)

// Downloader fetches media bytes for the QR check. A failed download is
// treated as "no detection", never as an error that blocks the pipeline.
type Downloader interface {
	Download(ctx context.Context, fileID string) ([]byte, error)
}

var (
	arabicRe = regexp.MustCompile(`[\x{0621}-\x{064A}]`)
	hangulRe = regexp.MustCompile(`[\x{1100}-\x{11FF}\x{3130}-\x{318F}\x{AC00}-\x{D7A3}]`)
)

// Executable attachments are matched by extension first, then by mime.
var exeExtensions = map[string]bool{
	".apk": true,
	".bat": true,
	".cmd": true,
	".com": true,
	".exe": true,
	".vbs": true,
}

// Classifier evaluates a message against the group's enabled filters and
// returns the first matching category. It never mutates registry state; the
// only side channel is the content cache read.
type Classifier struct {
	dict       *dictionary.Dictionary
	cache      *cache.ContentCache
	state      *state.Manager
	decoder    qr.Decoder
	downloader Downloader
	emoji      *emojiChecker
	imageSize  int64
	logger     *logrus.Logger
}

// New wires a classifier from its collaborators.
func New(dict *dictionary.Dictionary, contentCache *cache.ContentCache, st *state.Manager,
	decoder qr.Decoder, downloader Downloader, cfg *config.Config, logger *logrus.Logger) *Classifier {
	return &Classifier{
		dict:       dict,
		cache:      contentCache,
		state:      st,
		decoder:    decoder,
		downloader: downloader,
		emoji:      newEmojiChecker(&cfg.Emoji),
		imageSize:  cfg.Thresholds.ImageSize,
		logger:     logger,
	}
}

// Classify returns the first matching category, in the fixed declared order:
// service, cached content, script ranges, media types, link patterns,
// executable, QR, emoji density. The detail string goes into the evidence
// record verbatim.
func (c *Classifier) Classify(ctx context.Context, m *models.Message, cfg *models.GroupConfig) (models.Category, string) {
	if m.IsService {
		if cfg.Enabled(models.CategoryService) {
			return models.CategoryService, ""
		}
		return models.CategoryNone, ""
	}

	// Whitelisted forward origin overrides every detection.
	if m.ForwardChannelID != 0 && c.state.IsExceptChannel(m.ForwardChannelID) {
		return models.CategoryNone, ""
	}

	if cat, detail := c.checkCached(m, cfg); cat != models.CategoryNone {
		return cat, detail
	}
	if cat := c.checkScripts(m, cfg); cat != models.CategoryNone {
		return cat, ""
	}
	if cat := c.checkMedia(m, cfg); cat != models.CategoryNone {
		return cat, ""
	}
	if cat, detail := c.checkPatterns(m, cfg); cat != models.CategoryNone {
		return cat, detail
	}
	if cat, detail := c.checkExecutable(m, cfg); cat != models.CategoryNone {
		return cat, detail
	}
	if cat, detail := c.checkQR(ctx, m, cfg); cat != models.CategoryNone {
		return cat, detail
	}
	if cat, detail := c.emoji.check(m, cfg); cat != models.CategoryNone {
		return cat, detail
	}
	return models.CategoryNone, ""
}

// checkCached is the fast path: content already classified once keeps its
// category on every re-share, unless the filter was turned off meanwhile or
// the content landed on an exception list.
func (c *Classifier) checkCached(m *models.Message, cfg *models.GroupConfig) (models.Category, string) {
	fingerprints := make([]string, 0, 1+len(m.Links))
	if fp := cache.Fingerprint(m); fp != "" {
		fingerprints = append(fingerprints, fp)
	}
	// Detected-URL fast path: a link recorded once keeps flagging.
	for _, link := range m.Links {
		fingerprints = append(fingerprints, cache.FingerprintText(link))
	}

	for _, fp := range fingerprints {
		if c.state.IsExceptContent(fp) {
			continue
		}
		cat, found := c.cache.Get(fp)
		if !found {
			continue
		}
		if cat != models.CategoryTrue && !cfg.Enabled(cat) {
			continue
		}
		return cat, "recorded content"
	}
	return models.CategoryNone, ""
}

func (c *Classifier) checkScripts(m *models.Message, cfg *models.GroupConfig) models.Category {
	if m.Text == "" {
		return models.CategoryNone
	}
	if cfg.Enabled(models.CategoryArabic) && arabicRe.MatchString(m.Text) {
		return models.CategoryArabic
	}
	if cfg.Enabled(models.CategoryHangul) && hangulRe.MatchString(m.Text) {
		return models.CategoryHangul
	}
	return models.CategoryNone
}

func (c *Classifier) checkMedia(m *models.Message, cfg *models.GroupConfig) models.Category {
	checks := []struct {
		cat models.Category
		hit bool
	}{
		{models.CategoryContact, m.HasContact},
		{models.CategoryLocation, m.HasLocation},
		{models.CategoryRoundVid, m.HasRoundVid},
		{models.CategoryVoice, m.HasVoice},
		{models.CategoryAnimated, m.Sticker && m.StickerAnimated},
		{models.CategoryAudio, m.HasAudio},
		{models.CategoryCommand, m.IsCommand},
		{models.CategoryDocument, m.HasDocument},
		{models.CategoryGame, m.HasGame},
		{models.CategoryGIF, m.HasGIF},
		{models.CategoryViaBot, m.ViaBot},
		{models.CategoryVideo, m.HasVideo},
		{models.CategorySticker, m.Sticker},
		{models.CategoryForward, m.IsForward},
	}
	for _, check := range checks {
		if check.hit && cfg.Enabled(check.cat) {
			return check.cat
		}
	}
	return models.CategoryNone
}

func (c *Classifier) checkPatterns(m *models.Message, cfg *models.GroupConfig) (models.Category, string) {
	if m.Text == "" {
		return models.CategoryNone, ""
	}

	checks := []struct {
		cat  models.Category
		kind dictionary.Kind
	}{
		{models.CategoryAffLink, dictionary.KindAff},
		{models.CategoryIMLink, dictionary.KindIM},
		{models.CategoryPhone, dictionary.KindPhone},
		{models.CategoryShortLink, dictionary.KindShort},
		{models.CategoryTGLink, dictionary.KindTGLink},
		{models.CategoryTGProxy, dictionary.KindTGProxy},
	}
	for _, check := range checks {
		if !cfg.Enabled(check.cat) {
			continue
		}
		if !c.dict.Match(check.kind, m.Text) {
			continue
		}
		if check.cat == models.CategoryTGLink && c.friendBypass(m, cfg) {
			continue
		}
		return check.cat, ""
	}
	return models.CategoryNone, ""
}

// friendBypass suppresses the platform-link flag when every link in the
// message points back at the channel the message was forwarded from.
func (c *Classifier) friendBypass(m *models.Message, cfg *models.GroupConfig) bool {
	if !cfg.Friend || m.ChannelLink == "" || len(m.Links) == 0 {
		return false
	}
	own := strings.ToLower(m.ChannelLink)
	for _, link := range m.Links {
		if strings.ToLower(link) != own {
			return false
		}
	}
	return true
}

func (c *Classifier) checkExecutable(m *models.Message, cfg *models.GroupConfig) (models.Category, string) {
	if !cfg.Enabled(models.CategoryExe) || !m.HasDocument {
		return models.CategoryNone, ""
	}

	name := strings.ToLower(m.DocumentName)
	if idx := strings.LastIndex(name, "."); idx >= 0 && exeExtensions[name[idx:]] {
		return models.CategoryExe, m.DocumentName
	}
	if strings.Contains(strings.ToLower(m.DocumentMime), "executable") {
		return models.CategoryExe, m.DocumentName
	}
	return models.CategoryNone, ""
}

// checkQR downloads qualifying media and decodes it. Download and decode
// failures degrade to "no detection"; a decoded payload whose hash sits on an
// exception list is suppressed.
func (c *Classifier) checkQR(ctx context.Context, m *models.Message, cfg *models.GroupConfig) (models.Category, string) {
	if !cfg.Enabled(models.CategoryQRCode) || m.FileID == "" {
		return models.CategoryNone, ""
	}
	if !m.HasPhoto && !(m.Sticker && !m.StickerAnimated) && !c.isImageDocument(m) {
		return models.CategoryNone, ""
	}
	if m.FileSize > c.imageSize {
		return models.CategoryNone, ""
	}

	data, err := c.downloader.Download(ctx, m.FileID)
	if err != nil {
		c.logger.WithError(err).WithField("file_id", m.FileID).Debug("Media download failed, skipping QR check")
		return models.CategoryNone, ""
	}

	payload, err := c.decoder.Decode(data)
	if err != nil || payload == "" {
		return models.CategoryNone, ""
	}
	if c.state.IsExceptContent(cache.FingerprintText(payload)) {
		return models.CategoryNone, ""
	}
	return models.CategoryQRCode, fmt.Sprintf("qr: %s", payload)
}

func (c *Classifier) isImageDocument(m *models.Message) bool {
	return m.HasDocument && strings.HasPrefix(strings.ToLower(m.DocumentMime), "image/")
}
