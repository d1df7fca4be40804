package classifier

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/dictionary"
	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/internal/services/cache"
	"github.com/tg-clean-bot-go/internal/services/storage"
	"github.com/tg-clean-bot-go/internal/state"
)

type fakeDownloader struct {
	data []byte
	err  error
}

func (f *fakeDownloader) Download(ctx context.Context, fileID string) ([]byte, error) {
	return f.data, f.err
}

type fakeDecoder struct {
	payload string
}

func (f *fakeDecoder) Decode(data []byte) (string, error) {
	return f.payload, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Type: "memory"},
		Thresholds: config.ThresholdsConfig{
			ScoreBan:  3.0,
			ImageSize: 512 * 1024,
		},
		Emoji: config.EmojiConfig{
			AdSingle: 6,
			AdTotal:  10,
			WbSingle: 3,
			WbTotal:  6,
			Many:     5,
			Ad:       []string{"💰"},
			Wb:       []string{"🔞"},
		},
	}
}

func newTestClassifier(t *testing.T, cfg *config.Config, decoder *fakeDecoder, downloader *fakeDownloader) (*Classifier, *dictionary.Dictionary, *cache.ContentCache, *state.Manager) {
	t.Helper()
	logger := logrus.New()

	store, err := storage.NewManager(cfg, logger)
	require.NoError(t, err)

	st := state.NewManager(store, nil, cfg.Thresholds.ScoreBan, logger)
	dict := dictionary.New(logger)
	contentCache := cache.New(cfg.Cache.ContentTTL, logger)

	cls := New(dict, contentCache, st, decoder, downloader, cfg, logger)
	return cls, dict, contentCache, st
}

func groupConfig(enabled ...models.Category) *models.GroupConfig {
	cfg := &models.GroupConfig{GroupID: 1, Filters: make(map[models.Category]bool)}
	for _, cat := range enabled {
		cfg.Filters[cat] = true
	}
	return cfg
}

func TestClassifyDisabledFilterNeverMatches(t *testing.T) {
	cls, dict, _, _ := newTestClassifier(t, testConfig(), &fakeDecoder{}, &fakeDownloader{})
	dict.Sync(dictionary.KindTGLink, []string{`t\.me/`})

	m := &models.Message{ChatID: 1, MessageID: 2, UserID: 3, Text: "join https://t.me/spamgroup"}
	cat, _ := cls.Classify(context.Background(), m, groupConfig())
	assert.Equal(t, models.CategoryNone, cat)
}

func TestClassifyTGLink(t *testing.T) {
	cls, dict, _, _ := newTestClassifier(t, testConfig(), &fakeDecoder{}, &fakeDownloader{})
	dict.Sync(dictionary.KindTGLink, []string{`t\.me/`})

	m := &models.Message{ChatID: 1, MessageID: 2, UserID: 3, Text: "join https://t.me/spamgroup"}
	cat, _ := cls.Classify(context.Background(), m, groupConfig(models.CategoryTGLink))
	assert.Equal(t, models.CategoryTGLink, cat)
}

func TestClassifyFriendLinkBypass(t *testing.T) {
	cls, dict, _, _ := newTestClassifier(t, testConfig(), &fakeDecoder{}, &fakeDownloader{})
	dict.Sync(dictionary.KindTGLink, []string{`t\.me/`})

	cfg := groupConfig(models.CategoryTGLink)
	cfg.Friend = true

	// The only link equals the forward origin's own link.
	m := &models.Message{
		ChatID:           1,
		MessageID:        2,
		UserID:           3,
		Text:             "from our channel https://t.me/mychannel",
		Links:            []string{"https://t.me/mychannel"},
		IsForward:        true,
		ForwardChannelID: -100123,
		ChannelLink:      "https://t.me/mychannel",
	}
	cat, _ := cls.Classify(context.Background(), m, cfg)
	assert.Equal(t, models.CategoryNone, cat)

	// A second, foreign link defeats the bypass.
	m.Links = append(m.Links, "https://t.me/spamgroup")
	cat, _ = cls.Classify(context.Background(), m, cfg)
	assert.Equal(t, models.CategoryTGLink, cat)
}

func TestClassifyExecutable(t *testing.T) {
	cls, _, _, _ := newTestClassifier(t, testConfig(), &fakeDecoder{}, &fakeDownloader{})

	m := &models.Message{
		ChatID:       1,
		MessageID:    2,
		UserID:       3,
		HasDocument:  true,
		DocumentName: "totally_safe.ExE",
		DocumentMime: "application/octet-stream",
	}
	cat, detail := cls.Classify(context.Background(), m, groupConfig(models.CategoryExe))
	assert.Equal(t, models.CategoryExe, cat)
	assert.Equal(t, "totally_safe.ExE", detail)
}

func TestClassifyExecutableByMime(t *testing.T) {
	cls, _, _, _ := newTestClassifier(t, testConfig(), &fakeDecoder{}, &fakeDownloader{})

	m := &models.Message{
		ChatID:       1,
		MessageID:    2,
		UserID:       3,
		HasDocument:  true,
		DocumentName: "setup.bin",
		DocumentMime: "application/x-executable",
	}
	cat, _ := cls.Classify(context.Background(), m, groupConfig(models.CategoryExe))
	assert.Equal(t, models.CategoryExe, cat)
}

func TestClassifyScriptBeforeMedia(t *testing.T) {
	cls, _, _, _ := newTestClassifier(t, testConfig(), &fakeDecoder{}, &fakeDownloader{})

	// Both the Hangul filter and the video filter would match; the script
	// check runs first.
	m := &models.Message{ChatID: 1, MessageID: 2, UserID: 3, Text: "안녕하세요", HasVideo: true}
	cat, _ := cls.Classify(context.Background(), m, groupConfig(models.CategoryHangul, models.CategoryVideo))
	assert.Equal(t, models.CategoryHangul, cat)
}

func TestClassifyEmojiMany(t *testing.T) {
	cls, _, _, _ := newTestClassifier(t, testConfig(), &fakeDecoder{}, &fakeDownloader{})

	m := &models.Message{ChatID: 1, MessageID: 2, UserID: 3, Text: "🎉🎉🎉🎉🎉🎉"}
	cat, detail := cls.Classify(context.Background(), m, groupConfig(models.CategoryEmoji))
	assert.Equal(t, models.CategoryEmoji, cat)
	assert.Contains(t, detail, "6")
}

func TestClassifyQRCode(t *testing.T) {
	decoder := &fakeDecoder{payload: "https://evil.example"}
	downloader := &fakeDownloader{data: []byte{1, 2, 3}}
	cls, _, _, _ := newTestClassifier(t, testConfig(), decoder, downloader)

	m := &models.Message{
		ChatID:    1,
		MessageID: 2,
		UserID:    3,
		HasPhoto:  true,
		FileID:    "photo-file",
		FileSize:  1024,
	}
	cat, detail := cls.Classify(context.Background(), m, groupConfig(models.CategoryQRCode))
	assert.Equal(t, models.CategoryQRCode, cat)
	assert.Contains(t, detail, "evil.example")
}

func TestClassifyQRCodeSizeGate(t *testing.T) {
	decoder := &fakeDecoder{payload: "https://evil.example"}
	cls, _, _, _ := newTestClassifier(t, testConfig(), decoder, &fakeDownloader{data: []byte{1}})

	m := &models.Message{
		ChatID:    1,
		MessageID: 2,
		UserID:    3,
		HasPhoto:  true,
		FileID:    "photo-file",
		FileSize:  10 * 1024 * 1024,
	}
	cat, _ := cls.Classify(context.Background(), m, groupConfig(models.CategoryQRCode))
	assert.Equal(t, models.CategoryNone, cat)
}

func TestClassifyQRCodeExceptSuppresses(t *testing.T) {
	decoder := &fakeDecoder{payload: "https://fine.example"}
	cls, _, _, st := newTestClassifier(t, testConfig(), decoder, &fakeDownloader{data: []byte{1}})
	st.AddExceptContent(true, cache.FingerprintText("https://fine.example"))

	m := &models.Message{
		ChatID:    1,
		MessageID: 2,
		UserID:    3,
		HasPhoto:  true,
		FileID:    "photo-file",
		FileSize:  1024,
	}
	cat, _ := cls.Classify(context.Background(), m, groupConfig(models.CategoryQRCode))
	assert.Equal(t, models.CategoryNone, cat)
}

func TestClassifyCachedContent(t *testing.T) {
	cls, _, contentCache, _ := newTestClassifier(t, testConfig(), &fakeDecoder{}, &fakeDownloader{})

	m := &models.Message{ChatID: 1, MessageID: 2, UserID: 3, Text: "same spam again"}
	contentCache.Set(cache.Fingerprint(m), models.CategoryShortLink)

	cat, _ := cls.Classify(context.Background(), m, groupConfig(models.CategoryShortLink))
	assert.Equal(t, models.CategoryShortLink, cat)

	// Turning the filter off disables the cached hit too.
	cat, _ = cls.Classify(context.Background(), m, groupConfig())
	assert.Equal(t, models.CategoryNone, cat)
}

func TestClassifyDetectedLinkFastPath(t *testing.T) {
	cls, _, contentCache, _ := newTestClassifier(t, testConfig(), &fakeDecoder{}, &fakeDownloader{})

	contentCache.Set(cache.FingerprintText("https://sp.am/x"), models.CategoryShortLink)

	m := &models.Message{
		ChatID:    1,
		MessageID: 2,
		UserID:    3,
		Text:      "fresh wording, old link https://sp.am/x",
		Links:     []string{"https://sp.am/x"},
	}
	cat, _ := cls.Classify(context.Background(), m, groupConfig(models.CategoryShortLink))
	assert.Equal(t, models.CategoryShortLink, cat)
}

func TestClassifyServiceMessage(t *testing.T) {
	cls, _, _, _ := newTestClassifier(t, testConfig(), &fakeDecoder{}, &fakeDownloader{})

	m := &models.Message{ChatID: 1, MessageID: 2, UserID: 3, IsService: true}
	cat, _ := cls.Classify(context.Background(), m, groupConfig(models.CategoryService))
	assert.Equal(t, models.CategoryService, cat)

	cat, _ = cls.Classify(context.Background(), m, groupConfig())
	assert.Equal(t, models.CategoryNone, cat)
}

func TestClassifyExceptChannelOverridesDetection(t *testing.T) {
	cls, dict, _, st := newTestClassifier(t, testConfig(), &fakeDecoder{}, &fakeDownloader{})
	dict.Sync(dictionary.KindTGLink, []string{`t\.me/`})
	st.AddExceptChannel(-100123)

	m := &models.Message{
		ChatID:           1,
		MessageID:        2,
		UserID:           7,
		Text:             "subscribe https://t.me/somechannel",
		IsForward:        true,
		ForwardChannelID: -100123,
	}
	cfg := groupConfig(models.CategoryForward, models.CategoryTGLink)

	cat, _ := cls.Classify(context.Background(), m, cfg)
	assert.Equal(t, models.CategoryNone, cat)

	// The same forward from a channel off the whitelist is flagged.
	m.ForwardChannelID = -100999
	cat, _ = cls.Classify(context.Background(), m, cfg)
	assert.Equal(t, models.CategoryForward, cat)
}
