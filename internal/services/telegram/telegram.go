package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/i18n"
	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/pkg/format"
)

// Service wraps the bot transport with the moderation primitives. Transient
// platform errors (message already gone, missing permission) are treated as
// no-op success so enforcement never wedges on them.
type Service struct {
	bot       *tgbotapi.BotAPI
	localizer *i18n.Localizer
	debugID   int64
	loggingID int64
	sender    string

	// admins caches fetched admin lists so repeated permission checks do
	// not hammer the API.
	admins *expirable.LRU[int64, []int64]

	logger *logrus.Logger
}

// NewService creates the platform service.
func NewService(bot *tgbotapi.BotAPI, cfg *config.Config, localizer *i18n.Localizer, logger *logrus.Logger) *Service {
	return &Service{
		bot:       bot,
		localizer: localizer,
		debugID:   cfg.Channels.DebugID,
		loggingID: cfg.Channels.LoggingID,
		sender:    cfg.Fleet.Sender,
		admins:    expirable.NewLRU[int64, []int64](cfg.Cache.MemberSize, nil, cfg.Cache.MemberTTL),
		logger:    logger,
	}
}

// benign reports whether a platform error can be ignored: the operation's
// goal is already met or permanently out of reach.
func benign(err error) bool {
	if err == nil {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, s := range []string{
		"message to delete not found",
		"message can't be deleted",
		"message to forward not found",
		"not enough rights",
		"chat not found",
		"user not found",
		"participant_id_invalid",
	} {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// Delete removes one message.
func (s *Service) Delete(ctx context.Context, gid, mid int64) error {
	_, err := s.bot.Request(tgbotapi.NewDeleteMessage(gid, int(mid)))
	if benign(err) {
		return nil
	}
	return fmt.Errorf("delete message %d in %d: %w", mid, gid, err)
}

// DeleteRange removes messages with ids in [from, to]. Per-message failures
// are skipped; the count of successful deletes is returned.
func (s *Service) DeleteRange(ctx context.Context, gid, from, to int64) int64 {
	var count int64
	for mid := from; mid <= to; mid++ {
		select {
		case <-ctx.Done():
			return count
		default:
		}
		if _, err := s.bot.Request(tgbotapi.NewDeleteMessage(gid, int(mid))); err == nil {
			count++
		}
	}
	return count
}

// Ban removes the user from the group permanently.
func (s *Service) Ban(ctx context.Context, gid, uid int64) error {
	_, err := s.bot.Request(tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: gid, UserID: uid},
	})
	if benign(err) {
		return nil
	}
	return fmt.Errorf("ban user %d in %d: %w", uid, gid, err)
}

// Unban lifts a ban, so the kicked list does not accumulate dead entries.
func (s *Service) Unban(ctx context.Context, gid, uid int64) error {
	_, err := s.bot.Request(tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: gid, UserID: uid},
		OnlyIfBanned:     true,
	})
	if benign(err) {
		return nil
	}
	return fmt.Errorf("unban user %d in %d: %w", uid, gid, err)
}

// MemberInfo returns a member's status and whether the account was deleted.
// Deleted accounts keep their id but lose every profile field.
func (s *Service) MemberInfo(ctx context.Context, gid, uid int64) (string, bool, error) {
	member, err := s.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: gid, UserID: uid},
	})
	if err != nil {
		return "", false, fmt.Errorf("get member %d of %d: %w", uid, gid, err)
	}
	deleted := member.User != nil && member.User.FirstName == "" && member.User.UserName == ""
	return member.Status, deleted, nil
}

// Restrict mutes the user in the group.
func (s *Service) Restrict(ctx context.Context, gid, uid int64) error {
	_, err := s.bot.Request(tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: gid, UserID: uid},
		Permissions:      &tgbotapi.ChatPermissions{},
	})
	if benign(err) {
		return nil
	}
	return fmt.Errorf("restrict user %d in %d: %w", uid, gid, err)
}

// ForwardEvidence copies the offending message into the audit channel and
// posts the labelled header beneath it. Returns the forwarded message id.
func (s *Service) ForwardEvidence(ctx context.Context, m *models.Message, level, rule, detail string) (int64, error) {
	forwarded, err := s.bot.Send(tgbotapi.NewForward(s.loggingID, m.ChatID, int(m.MessageID)))
	if err != nil {
		if benign(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("forward evidence: %w", err)
	}

	text := s.localizer.Default(i18n.MsgEvidenceHeader, map[string]interface{}{
		"Project": s.sender,
		"User":    format.MentionID(m.UserID),
		"Level":   level,
		"Rule":    rule,
	})
	if detail != "" {
		text += "\n" + format.Code(detail)
	}

	header := tgbotapi.NewMessage(s.loggingID, text)
	header.ParseMode = tgbotapi.ModeHTML
	header.ReplyToMessageID = forwarded.MessageID
	if _, err := s.bot.Send(header); err != nil && !benign(err) {
		s.logger.WithError(err).Warn("Evidence header failed")
	}
	return int64(forwarded.MessageID), nil
}

// SendDebug posts an enforcement report to the debug channel.
func (s *Service) SendDebug(ctx context.Context, gid int64, level, rule string, uid, evidenceMID int64) error {
	evidence := "-"
	if evidenceMID != 0 {
		evidence = format.MessageLink(s.loggingID, evidenceMID)
	}
	text := s.localizer.Default(i18n.MsgDebugReport, map[string]interface{}{
		"Group":    format.Code(fmt.Sprintf("%d", gid)),
		"User":     format.MentionID(uid),
		"Level":    level,
		"Rule":     rule,
		"Evidence": evidence,
	})

	msg := tgbotapi.NewMessage(s.debugID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := s.bot.Send(msg); err != nil && !benign(err) {
		return fmt.Errorf("debug report: %w", err)
	}
	return nil
}

// SendReport posts a short-lived reply in the group and deletes it after the
// delay.
func (s *Service) SendReport(gid int64, text string, replyTo int64, deleteAfter time.Duration) {
	msg := tgbotapi.NewMessage(gid, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if replyTo != 0 {
		msg.ReplyToMessageID = int(replyTo)
	}
	sent, err := s.bot.Send(msg)
	if err != nil {
		if !benign(err) {
			s.logger.WithError(err).WithField("group_id", gid).Warn("Report failed")
		}
		return
	}
	if deleteAfter > 0 {
		s.DeleteLater(gid, int64(sent.MessageID), deleteAfter)
	}
}

// DeleteLater schedules a single message deletion.
func (s *Service) DeleteLater(gid, mid int64, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.bot.Request(tgbotapi.NewDeleteMessage(gid, int(mid)))
	})
}

// Download fetches media bytes for the QR check.
func (s *Service) Download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := s.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(s.bot.Token), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", fileID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// GetAdmins returns the group's administrator ids, from cache when fresh.
func (s *Service) GetAdmins(ctx context.Context, gid int64) ([]int64, error) {
	if cached, ok := s.admins.Get(gid); ok {
		return cached, nil
	}

	members, err := s.bot.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: gid},
	})
	if err != nil {
		return nil, fmt.Errorf("get admins of %d: %w", gid, err)
	}

	ids := make([]int64, 0, len(members))
	for _, member := range members {
		if member.User != nil {
			ids = append(ids, member.User.ID)
		}
	}
	s.admins.Add(gid, ids)
	return ids, nil
}

// ForgetAdmins drops the cached admin list, before a forced refresh.
func (s *Service) ForgetAdmins(gid int64) {
	s.admins.Remove(gid)
}

// Leave exits the group.
func (s *Service) Leave(gid int64) error {
	_, err := s.bot.Request(tgbotapi.LeaveChatConfig{ChatID: gid})
	if benign(err) {
		return nil
	}
	return fmt.Errorf("leave %d: %w", gid, err)
}
