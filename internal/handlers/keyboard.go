package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/internal/services/cache"
	"github.com/tg-clean-bot-go/internal/state"
)

// keyboardPages is how many pages the filter grid spans.
const keyboardPages = 3

// CallbackHandler drives the interactive configuration keyboard. Callback
// data forms: turnon_<chat>_<name>, turnoff_<chat>_<name>, page_<chat>_<n>,
// clean_cache_<chat>, do_nothing.
type CallbackHandler struct {
	bot    *tgbotapi.BotAPI
	state  *state.Manager
	cache  *cache.ContentCache
	logger *logrus.Logger
}

// NewCallbackHandler creates a new callback handler
func NewCallbackHandler(bot *tgbotapi.BotAPI, st *state.Manager, contentCache *cache.ContentCache, logger *logrus.Logger) *CallbackHandler {
	return &CallbackHandler{
		bot:    bot,
		state:  st,
		cache:  contentCache,
		logger: logger,
	}
}

// keyboardEntries lists every toggle the keyboard exposes, filters first.
func keyboardEntries() []models.Category {
	entries := make([]models.Category, 0, len(models.AllCategories)+len(models.FunctionCategories))
	entries = append(entries, models.AllCategories...)
	entries = append(entries, models.FunctionCategories...)
	return entries
}

// BuildKeyboard renders one page of the filter grid for the group.
func (h *CallbackHandler) BuildKeyboard(gid int64, page int) tgbotapi.InlineKeyboardMarkup {
	if page < 1 || page > keyboardPages {
		page = 1
	}
	cfg := h.state.Config(gid)
	entries := keyboardEntries()

	perPage := (len(entries) + keyboardPages - 1) / keyboardPages
	start := (page - 1) * perPage
	end := start + perPage
	if end > len(entries) {
		end = len(entries)
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, cat := range entries[start:end] {
		name := string(cat)
		mark, action := "off", "turnon"
		if cfg.Enabled(cat) {
			mark, action = "on", "turnoff"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("%s: %s", name, mark),
				fmt.Sprintf("%s_%d_%s", action, gid, name),
			),
		))
	}

	var nav []tgbotapi.InlineKeyboardButton
	for p := 1; p <= keyboardPages; p++ {
		label := fmt.Sprintf("%d", p)
		data := fmt.Sprintf("page_%d_%d", gid, p)
		if p == page {
			label = fmt.Sprintf("·%d·", p)
			data = "do_nothing"
		}
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData(label, data))
	}
	rows = append(rows, nav)
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("clean cache", fmt.Sprintf("clean_cache_%d", gid)),
	))

	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// HandleCallback processes one keyboard press.
func (h *CallbackHandler) HandleCallback(ctx context.Context, update *tgbotapi.Update) error {
	cb := update.CallbackQuery
	if cb == nil || cb.Message == nil {
		return nil
	}
	data := cb.Data

	defer func() {
		h.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
	}()

	if data == "do_nothing" {
		return nil
	}

	switch {
	case strings.HasPrefix(data, "turnon_"), strings.HasPrefix(data, "turnoff_"):
		return h.handleToggle(cb, data)
	case strings.HasPrefix(data, "page_"):
		return h.handlePage(cb, data)
	case strings.HasPrefix(data, "clean_cache_"):
		return h.handleCleanCache(cb, data)
	}
	return nil
}

func (h *CallbackHandler) handleToggle(cb *tgbotapi.CallbackQuery, data string) error {
	parts := strings.SplitN(data, "_", 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed callback: %s", data)
	}
	gid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("malformed callback chat id: %s", data)
	}
	cat := models.Category(parts[2])
	if !cat.Valid() {
		return fmt.Errorf("unknown callback category: %s", parts[2])
	}
	if !h.state.IsTrusted(gid, cb.From.ID) {
		return nil
	}

	cfg := h.state.Config(gid)
	cfg.Filters[cat] = parts[0] == "turnon"
	cfg.Default = false
	h.state.SetConfig(gid, cfg)

	h.logger.WithFields(logrus.Fields{
		"group_id": gid,
		"user_id":  cb.From.ID,
		"category": parts[2],
		"enabled":  parts[0] == "turnon",
	}).Info("Filter toggled")

	return h.refresh(cb, gid, pageOf(cat))
}

func (h *CallbackHandler) handlePage(cb *tgbotapi.CallbackQuery, data string) error {
	parts := strings.SplitN(data, "_", 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed callback: %s", data)
	}
	gid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("malformed callback chat id: %s", data)
	}
	page, err := strconv.Atoi(parts[2])
	if err != nil {
		return fmt.Errorf("malformed callback page: %s", data)
	}
	return h.refresh(cb, gid, page)
}

func (h *CallbackHandler) handleCleanCache(cb *tgbotapi.CallbackQuery, data string) error {
	gid, err := strconv.ParseInt(strings.TrimPrefix(data, "clean_cache_"), 10, 64)
	if err != nil {
		return fmt.Errorf("malformed callback chat id: %s", data)
	}
	if !h.state.IsTrusted(gid, cb.From.ID) {
		return nil
	}
	h.cache.Flush()
	h.logger.WithField("group_id", gid).Info("Content cache flushed")
	return nil
}

func (h *CallbackHandler) refresh(cb *tgbotapi.CallbackQuery, gid int64, page int) error {
	markup := h.BuildKeyboard(gid, page)
	edit := tgbotapi.NewEditMessageReplyMarkup(cb.Message.Chat.ID, cb.Message.MessageID, markup)
	if _, err := h.bot.Request(edit); err != nil {
		return fmt.Errorf("refresh keyboard: %w", err)
	}
	return nil
}

// pageOf returns which page a category lives on.
func pageOf(cat models.Category) int {
	entries := keyboardEntries()
	perPage := (len(entries) + keyboardPages - 1) / keyboardPages
	for i, e := range entries {
		if e == cat {
			return i/perPage + 1
		}
	}
	return 1
}
