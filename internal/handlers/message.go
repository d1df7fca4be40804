package handlers

import (
	"context"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/classifier"
	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/enforcer"
	"github.com/tg-clean-bot-go/internal/exchange"
	"github.com/tg-clean-bot-go/internal/middleware"
	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/internal/services/cache"
	"github.com/tg-clean-bot-go/internal/services/telegram"
	"github.com/tg-clean-bot-go/internal/state"
	"github.com/tg-clean-bot-go/internal/worker"
)

// MessageHandler runs the moderation pipeline for group messages.
// Classification and enforcement decisions are serialized behind a single
// lock; registry mutations are not safe for concurrent read-modify-write and
// evidence-forward plus delete must appear atomic relative to other messages.
type MessageHandler struct {
	config     *config.Config
	bot        *tgbotapi.BotAPI
	state      *state.Manager
	classifier *classifier.Classifier
	enforcer   *enforcer.Enforcer
	cache      *cache.ContentCache
	telegram   *telegram.Service
	publisher  *exchange.Publisher
	pool       *worker.Pool
	metrics    *middleware.Metrics
	logger     *logrus.Logger

	// messageLock is the process-wide pipeline lock.
	messageLock sync.Mutex
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(
	cfg *config.Config,
	bot *tgbotapi.BotAPI,
	st *state.Manager,
	cls *classifier.Classifier,
	enf *enforcer.Enforcer,
	contentCache *cache.ContentCache,
	tg *telegram.Service,
	pub *exchange.Publisher,
	pool *worker.Pool,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *MessageHandler {
	return &MessageHandler{
		config:     cfg,
		bot:        bot,
		state:      st,
		classifier: cls,
		enforcer:   enf,
		cache:      contentCache,
		telegram:   tg,
		publisher:  pub,
		pool:       pool,
		metrics:    metrics,
		logger:     logger,
	}
}

// HandleMessage processes one group message update.
func (h *MessageHandler) HandleMessage(ctx context.Context, update *tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return nil
	}
	if !msg.Chat.IsGroup() && !msg.Chat.IsSuperGroup() {
		return nil
	}
	h.metrics.RecordMessageReceived(msg.Chat.Type)

	if len(msg.NewChatMembers) > 0 {
		return h.handleJoin(ctx, msg)
	}

	m := Normalize(msg)
	if m.UserID == h.bot.Self.ID {
		return nil
	}

	if m.IsService {
		h.handleService(ctx, m)
		return nil
	}

	// When the NOSPAM service co-administers the group, text-only spam
	// detection is its job; this bot keeps the media and QR filters.
	if h.state.HasNospam(m.ChatID, h.config.Fleet.NospamID) && h.textOnly(m) {
		return nil
	}

	h.messageLock.Lock()
	defer h.messageLock.Unlock()

	if h.state.IsTrusted(m.ChatID, m.UserID) || h.state.IsDeclared(m.ChatID, m.MessageID) {
		return nil
	}

	cfg := h.state.Config(m.ChatID)

	start := time.Now()
	category, detail := h.classifier.Classify(ctx, m, cfg)
	h.metrics.RecordClassifyDuration(time.Since(start))
	if category == models.CategoryNone {
		h.trackSticker(m, cfg)
		return nil
	}
	h.metrics.RecordDetection(string(category))

	h.recordContent(m, category)
	if h.enforcer.TerminateWithDetail(m, category, detail) {
		h.metrics.RecordEnforcement(string(category))
	}
	return nil
}

// textOnly reports whether the message carries nothing but text.
func (h *MessageHandler) textOnly(m *models.Message) bool {
	return m.Text != "" && !m.HasDocument && !m.Sticker && !m.HasPhoto &&
		!m.HasVideo && !m.HasGIF && !m.HasAudio && !m.HasVoice &&
		!m.HasContact && !m.HasLocation && !m.HasGame && !m.HasRoundVid
}

// recordContent stores spam-class fingerprints so re-shares hit the cached
// fast path.
func (h *MessageHandler) recordContent(m *models.Message, category models.Category) {
	if !category.IsSpam() || category == models.CategoryTrue {
		return
	}
	if fp := cache.Fingerprint(m); fp != "" {
		h.cache.Set(fp, category)
	}
	for _, link := range m.Links {
		h.cache.Set(cache.FingerprintText(link), category)
	}
}

// trackSticker remembers sticker and animation message ids for the timed
// deletion job when the group enables it.
func (h *MessageHandler) trackSticker(m *models.Message, cfg *models.GroupConfig) {
	if !cfg.Enabled(models.CategoryTimedDelete) {
		return
	}
	if m.Sticker || m.HasGIF {
		h.state.TrackSticker(m.ChatID, m.MessageID, m.Date)
	}
}

// handleService applies the service filter: when enabled the service message
// is deleted; otherwise the newest one replaces the previously kept one.
func (h *MessageHandler) handleService(ctx context.Context, m *models.Message) {
	cfg := h.state.Config(m.ChatID)
	if cfg.Enabled(models.CategoryService) {
		gid, mid := m.ChatID, m.MessageID
		h.pool.Submit(func(ctx context.Context) {
			if err := h.telegram.Delete(ctx, gid, mid); err != nil {
				h.logger.WithError(err).Warn("Service message delete failed")
			}
		})
		return
	}

	previous := h.state.SwapServiceMessage(m.ChatID, m.MessageID)
	if previous != 0 {
		gid := m.ChatID
		h.pool.Submit(func(ctx context.Context) {
			if err := h.telegram.Delete(ctx, gid, previous); err != nil {
				h.logger.WithError(err).Warn("Stale service message delete failed")
			}
		})
	}
}

// handleJoin records join times and initializes the group when the bot
// itself was added.
func (h *MessageHandler) handleJoin(ctx context.Context, msg *tgbotapi.Message) error {
	gid := int64(msg.Chat.ID)
	now := int64(msg.Date)

	for _, member := range msg.NewChatMembers {
		if member.ID == h.bot.Self.ID {
			return h.initGroup(ctx, msg)
		}
		if !member.IsBot {
			h.state.RecordJoin(gid, member.ID, now)
		}
	}

	// The join notice itself is a service message.
	h.handleService(ctx, Normalize(msg))
	return nil
}

// initGroup runs when the bot is invited. An unauthorized invite or a group
// the bot left on purpose gets a leave request; otherwise the admin list is
// fetched and the default config materialized.
func (h *MessageHandler) initGroup(ctx context.Context, msg *tgbotapi.Message) error {
	gid := int64(msg.Chat.ID)
	inviter := int64(0)
	if msg.From != nil {
		inviter = msg.From.ID
	}

	if h.state.WasLeft(gid) {
		h.logger.WithField("group_id", gid).Info("Re-invited to a group left on purpose, leaving")
		h.pool.Submit(func(ctx context.Context) {
			if err := h.publisher.RequestLeave(ctx, gid, "left before"); err != nil {
				h.logger.WithError(err).Warn("Leave request failed")
			}
			h.telegram.Leave(gid)
		})
		return nil
	}

	admins, err := h.telegram.GetAdmins(ctx, gid)
	if err != nil {
		h.logger.WithError(err).WithField("group_id", gid).Warn("Admin fetch failed on invite, leaving")
		h.pool.Submit(func(ctx context.Context) {
			h.telegram.Leave(gid)
		})
		return nil
	}
	h.state.SetAdmins(gid, admins)

	if inviter != 0 && !h.state.IsAdmin(gid, inviter) {
		h.logger.WithFields(logrus.Fields{
			"group_id": gid,
			"inviter":  inviter,
		}).Info("Invited by a non-admin, requesting leave")
		h.pool.Submit(func(ctx context.Context) {
			if err := h.publisher.RequestLeave(ctx, gid, "unauthorized invite"); err != nil {
				h.logger.WithError(err).Warn("Leave request failed")
			}
		})
		return nil
	}

	h.state.Config(gid)
	h.logger.WithField("group_id", gid).Info("Group initialized")
	return nil
}

// Normalize flattens a transport message into the classifier's view.
func Normalize(msg *tgbotapi.Message) *models.Message {
	m := &models.Message{
		ChatID:    msg.Chat.ID,
		MessageID: int64(msg.MessageID),
		Date:      int64(msg.Date),
	}
	if msg.From != nil {
		m.UserID = msg.From.ID
		m.FullName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}

	m.Text = msg.Text
	if m.Text == "" {
		m.Text = msg.Caption
	}
	m.IsCommand = msg.IsCommand()
	m.ViaBot = msg.ViaBot != nil
	m.IsService = isServiceMessage(msg)

	if msg.ForwardFrom != nil {
		m.IsForward = true
		m.ForwardName = strings.TrimSpace(msg.ForwardFrom.FirstName + " " + msg.ForwardFrom.LastName)
	}
	if msg.ForwardFromChat != nil {
		m.IsForward = true
		m.ForwardChannelID = msg.ForwardFromChat.ID
		m.ForwardName = msg.ForwardFromChat.Title
		if msg.ForwardFromChat.UserName != "" {
			m.ChannelLink = "https://t.me/" + strings.ToLower(msg.ForwardFromChat.UserName)
		}
	}
	if msg.ForwardSenderName != "" {
		m.IsForward = true
		m.ForwardName = msg.ForwardSenderName
	}

	m.Links, m.Mentions = extractEntities(msg)

	m.HasContact = msg.Contact != nil
	m.HasLocation = msg.Location != nil || msg.Venue != nil
	m.HasRoundVid = msg.VideoNote != nil
	m.HasVoice = msg.Voice != nil
	m.HasAudio = msg.Audio != nil
	m.HasGame = msg.Game != nil
	m.HasGIF = msg.Animation != nil
	m.HasVideo = msg.Video != nil

	if msg.Sticker != nil {
		m.Sticker = true
		m.StickerAnimated = msg.Sticker.IsAnimated
		m.FileID = msg.Sticker.FileID
		m.FileSize = int64(msg.Sticker.FileSize)
	}
	if len(msg.Photo) > 0 {
		m.HasPhoto = true
		largest := msg.Photo[len(msg.Photo)-1]
		m.FileID = largest.FileID
		m.FileSize = int64(largest.FileSize)
	}
	if msg.Document != nil {
		m.HasDocument = true
		m.DocumentName = msg.Document.FileName
		m.DocumentMime = msg.Document.MimeType
		m.DocumentSize = int64(msg.Document.FileSize)
		m.FileID = msg.Document.FileID
		m.FileSize = int64(msg.Document.FileSize)
	}
	return m
}

func isServiceMessage(msg *tgbotapi.Message) bool {
	return len(msg.NewChatMembers) > 0 ||
		msg.LeftChatMember != nil ||
		msg.NewChatTitle != "" ||
		len(msg.NewChatPhoto) > 0 ||
		msg.DeleteChatPhoto ||
		msg.GroupChatCreated ||
		msg.SuperGroupChatCreated ||
		msg.PinnedMessage != nil
}

func extractEntities(msg *tgbotapi.Message) (links, mentions []string) {
	collect := func(text string, entities []tgbotapi.MessageEntity) {
		runes := []rune(text)
		for _, e := range entities {
			switch e.Type {
			case "url":
				if e.Offset >= 0 && e.Offset+e.Length <= len(runes) {
					links = append(links, strings.ToLower(string(runes[e.Offset:e.Offset+e.Length])))
				}
			case "text_link":
				if e.URL != "" {
					links = append(links, strings.ToLower(e.URL))
				}
			case "mention":
				if e.Offset >= 0 && e.Offset+e.Length <= len(runes) {
					mentions = append(mentions, string(runes[e.Offset:e.Offset+e.Length]))
				}
			}
		}
	}
	collect(msg.Text, msg.Entities)
	collect(msg.Caption, msg.CaptionEntities)
	return links, mentions
}
