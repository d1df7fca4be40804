package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/exchange"
	"github.com/tg-clean-bot-go/internal/i18n"
	"github.com/tg-clean-bot-go/internal/middleware"
	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/internal/services/telegram"
	"github.com/tg-clean-bot-go/internal/state"
	"github.com/tg-clean-bot-go/internal/worker"
)

// Version of the bot, stamped at build time.
var Version = "0.1.0"

// reportTTL is how long short-lived command replies stay visible.
const reportTTL = 15 * time.Second

// CommandHandler serves the in-chat command surface. Every command deletes
// its own trigger message and replies with a short-lived report.
type CommandHandler struct {
	config      *config.Config
	bot         *tgbotapi.BotAPI
	state       *state.Manager
	telegram    *telegram.Service
	publisher   *exchange.Publisher
	pool        *worker.Pool
	rateLimiter middleware.RateLimiter
	metrics     *middleware.Metrics
	localizer   *i18n.Localizer
	logger      *logrus.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(
	cfg *config.Config,
	bot *tgbotapi.BotAPI,
	st *state.Manager,
	tg *telegram.Service,
	pub *exchange.Publisher,
	pool *worker.Pool,
	rateLimiter middleware.RateLimiter,
	metrics *middleware.Metrics,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
) *CommandHandler {
	return &CommandHandler{
		config:      cfg,
		bot:         bot,
		state:       st,
		telegram:    tg,
		publisher:   pub,
		pool:        pool,
		rateLimiter: rateLimiter,
		metrics:     metrics,
		localizer:   localizer,
		logger:      logger,
	}
}

// HandleCommand processes one command update. Returns true when the update
// was a command this handler owns.
func (h *CommandHandler) HandleCommand(ctx context.Context, update *tgbotapi.Update) bool {
	msg := update.Message
	if msg == nil || !msg.IsCommand() || msg.Chat == nil {
		return false
	}
	if !msg.Chat.IsGroup() && !msg.Chat.IsSuperGroup() {
		return false
	}

	command := msg.Command()
	gid := msg.Chat.ID
	uid := msg.From.ID
	mid := int64(msg.MessageID)

	var handled bool
	switch command {
	case "config":
		handled = h.handleConfig(ctx, msg)
	case "config_clean":
		handled = h.handleConfigClean(ctx, msg)
	case "purge":
		handled = h.handlePurge(ctx, msg)
	case "purge_begin", "pb":
		handled = h.handlePurgeBegin(ctx, msg)
	case "purge_end", "pe":
		handled = h.handlePurgeEnd(ctx, msg)
	case "clean":
		handled = h.handleClean(ctx, msg)
	case "dafm":
		handled = h.handleDafm(ctx, msg)
	case "version":
		handled = h.handleVersion(ctx, msg)
	default:
		return false
	}

	if handled {
		h.metrics.RecordCommandExecuted(command)
		// The trigger message is always cleaned up.
		h.pool.Submit(func(ctx context.Context) {
			h.telegram.Delete(ctx, gid, mid)
		})
		h.logger.WithFields(logrus.Fields{
			"group_id": gid,
			"user_id":  uid,
			"command":  command,
		}).Info("Command handled")
	}
	return handled
}

// requireAdmin checks permission and rate limit, reporting the refusal.
func (h *CommandHandler) requireAdmin(msg *tgbotapi.Message) bool {
	gid, uid := msg.Chat.ID, msg.From.ID
	if !h.rateLimiter.Allow(gid) {
		h.metrics.RecordRateLimitExceeded(fmt.Sprint(gid))
		return false
	}
	if !h.state.IsTrusted(gid, uid) {
		h.report(gid, int64(msg.MessageID), i18n.MsgNoPermission, nil)
		return false
	}
	return true
}

func (h *CommandHandler) report(gid, replyTo int64, messageID string, data map[string]interface{}) {
	text := h.localizer.Default(messageID, data)
	h.pool.Submit(func(ctx context.Context) {
		h.telegram.SendReport(gid, text, replyTo, reportTTL)
	})
}

func (h *CommandHandler) handleConfig(ctx context.Context, msg *tgbotapi.Message) bool {
	if !h.requireAdmin(msg) {
		return true
	}
	gid, uid, mid := msg.Chat.ID, msg.From.ID, int64(msg.MessageID)
	now := int64(msg.Date)

	if !h.state.LockConfig(gid, now, h.config.Thresholds.ConfigLock) {
		h.report(gid, mid, i18n.MsgConfigLocked, nil)
		return true
	}

	cfg := h.state.Config(gid)
	h.pool.Submit(func(ctx context.Context) {
		if err := h.publisher.AskConfig(ctx, gid, uid, mid, cfg); err != nil {
			h.logger.WithError(err).Warn("Config session request failed")
			return
		}
	})
	h.report(gid, mid, i18n.MsgConfigSent, nil)
	return true
}

func (h *CommandHandler) handleConfigClean(ctx context.Context, msg *tgbotapi.Message) bool {
	if !h.requireAdmin(msg) {
		return true
	}
	gid, mid := msg.Chat.ID, int64(msg.MessageID)
	args := strings.Fields(msg.CommandArguments())

	if len(args) == 1 && args[0] == "show" {
		cfg := h.state.Config(gid)
		h.report(gid, mid, i18n.MsgConfigShow, map[string]interface{}{
			"Flags": formatFlags(cfg),
		})
		return true
	}
	if len(args) == 1 && args[0] == "default" {
		h.state.SetConfig(gid, models.DefaultGroupConfig(gid))
		h.report(gid, mid, i18n.MsgConfigUpdated, nil)
		return true
	}
	if len(args) != 2 {
		h.report(gid, mid, i18n.MsgConfigInvalidKey, map[string]interface{}{"Key": msg.CommandArguments()})
		return true
	}

	key, value := models.Category(args[0]), args[1]
	if !key.Valid() || (value != "on" && value != "off") {
		h.report(gid, mid, i18n.MsgConfigInvalidKey, map[string]interface{}{"Key": args[0]})
		return true
	}

	cfg := h.state.Config(gid)
	cfg.Filters[key] = value == "on"
	cfg.Default = false
	h.state.SetConfig(gid, cfg)
	h.report(gid, mid, i18n.MsgConfigUpdated, nil)
	return true
}

func formatFlags(cfg *models.GroupConfig) string {
	var b strings.Builder
	for _, cat := range models.AllCategories {
		mark := "off"
		if cfg.Enabled(cat) {
			mark = "on"
		}
		fmt.Fprintf(&b, "%s: %s\n", string(cat), mark)
	}
	for _, cat := range models.FunctionCategories {
		mark := "off"
		if cfg.Enabled(cat) {
			mark = "on"
		}
		fmt.Fprintf(&b, "%s: %s\n", string(cat), mark)
	}
	return strings.TrimRight(b.String(), "\n")
}

// handlePurge deletes from the replied-to message up to the command, under
// the same caps as the begin/end pair.
func (h *CommandHandler) handlePurge(ctx context.Context, msg *tgbotapi.Message) bool {
	if !h.requireAdmin(msg) {
		return true
	}
	gid, mid := msg.Chat.ID, int64(msg.MessageID)
	if msg.ReplyToMessage == nil {
		h.report(gid, mid, i18n.MsgPurgeNoMarker, nil)
		return true
	}
	h.runPurge(gid, int64(msg.ReplyToMessage.MessageID), mid)
	return true
}

func (h *CommandHandler) handlePurgeBegin(ctx context.Context, msg *tgbotapi.Message) bool {
	if !h.requireAdmin(msg) {
		return true
	}
	gid, mid := msg.Chat.ID, int64(msg.MessageID)
	h.state.SetPurgeMarker(gid, mid, int64(msg.Date))
	h.report(gid, mid, i18n.MsgPurgeBegin, nil)
	return true
}

func (h *CommandHandler) handlePurgeEnd(ctx context.Context, msg *tgbotapi.Message) bool {
	if !h.requireAdmin(msg) {
		return true
	}
	gid, mid := msg.Chat.ID, int64(msg.MessageID)

	marker := h.state.PurgeMarker(gid)
	if marker.BeginID == 0 {
		h.report(gid, mid, i18n.MsgPurgeNoMarker, nil)
		return true
	}
	h.runPurge(gid, marker.BeginID, mid)
	return true
}

// runPurge validates the span and performs the range delete. A too-wide span
// is rejected without clearing the marker so a corrected end can retry; the
// one-shot guard blocks overlapping purges.
func (h *CommandHandler) runPurge(gid, from, to int64) {
	span := to - from
	if span <= 0 {
		h.report(gid, to, i18n.MsgPurgeNoMarker, nil)
		return
	}
	if span > h.config.Thresholds.PurgeSpan {
		h.report(gid, to, i18n.MsgPurgeTooWide, map[string]interface{}{
			"Max": h.config.Thresholds.PurgeSpan,
		})
		return
	}
	if !h.state.TryPurge(gid) {
		h.report(gid, to, i18n.MsgPurgeBusy, nil)
		return
	}
	h.state.ClearPurgeMarker(gid)

	h.pool.Submit(func(ctx context.Context) {
		count := h.telegram.DeleteRange(ctx, gid, from, to)
		h.telegram.SendReport(gid, h.localizer.Default(i18n.MsgPurgeEnd, map[string]interface{}{
			"Count": count,
		}), 0, reportTTL)
	})
}

func (h *CommandHandler) handleClean(ctx context.Context, msg *tgbotapi.Message) bool {
	if !h.requireAdmin(msg) {
		return true
	}
	gid, mid := msg.Chat.ID, int64(msg.MessageID)

	mids := h.state.TakeStickers(gid)
	h.pool.Submit(func(ctx context.Context) {
		for _, sticker := range mids {
			h.telegram.Delete(ctx, gid, sticker)
		}
	})
	h.report(gid, mid, i18n.MsgCleanDone, map[string]interface{}{"Count": len(mids)})
	return true
}

// handleDafm is the self-service "delete all from me" request, forwarded to
// the fleet service holding the message history.
func (h *CommandHandler) handleDafm(ctx context.Context, msg *tgbotapi.Message) bool {
	gid, uid, mid := msg.Chat.ID, msg.From.ID, int64(msg.MessageID)

	cfg := h.state.Config(gid)
	if !cfg.Enabled(models.CategorySelfDelete) {
		h.report(gid, mid, i18n.MsgDafmDisabled, nil)
		return true
	}
	if !h.state.MarkSelfDeleted(gid, uid) {
		h.report(gid, mid, i18n.MsgDafmUsed, nil)
		return true
	}

	h.pool.Submit(func(ctx context.Context) {
		if err := h.publisher.AskForHelp(ctx, "delete", gid, uid, mid); err != nil {
			h.logger.WithError(err).Warn("Self-delete request failed")
		}
	})
	h.report(gid, mid, i18n.MsgDafmDone, nil)
	return true
}

func (h *CommandHandler) handleVersion(ctx context.Context, msg *tgbotapi.Message) bool {
	if !h.requireAdmin(msg) {
		return true
	}
	h.report(msg.Chat.ID, int64(msg.MessageID), i18n.MsgVersion, map[string]interface{}{
		"Version": Version,
	})
	return true
}
