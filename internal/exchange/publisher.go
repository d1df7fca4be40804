package exchange

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/middleware"
	"github.com/tg-clean-bot-go/internal/models"
)

// Fleet service names with a fixed role in the protocol.
const (
	ServiceUser   = "USER"
	ServiceWatch  = "WATCH"
	ServiceRegex  = "REGEX"
	ServiceConfig = "CONFIG"
	ServiceManage = "MANAGE"
	ServiceBackup = "BACKUP"
)

// Typed payload schemas, one per action/type pair.

type BadPayload struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // "user" or "channel"
}

type WatchPayload struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"` // "ban" or "delete"
	Until int64  `json:"until"`
}

type HelpPayload struct {
	GroupID   int64 `json:"group_id"`
	UserID    int64 `json:"user_id"`
	MessageID int64 `json:"message_id"`
}

type DeclarePayload struct {
	GroupID   int64 `json:"group_id"`
	MessageID int64 `json:"message_id"`
}

type ScorePayload struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

type RegexCountPayload struct {
	Type  string           `json:"type"`
	Words map[string]int64 `json:"words"`
}

type ConfigAskPayload struct {
	GroupID   int64               `json:"group_id"`
	AdminID   int64               `json:"admin_id"`
	MessageID int64               `json:"message_id"`
	Config    *models.GroupConfig `json:"config"`
}

type ConfigCommitPayload struct {
	GroupID int64               `json:"group_id"`
	Config  *models.GroupConfig `json:"config"`
}

type ConfigReplyPayload struct {
	GroupID   int64  `json:"group_id"`
	UserID    int64  `json:"user_id"`
	MessageID int64  `json:"message_id"`
	Link      string `json:"link"`
}

type ExceptPayload struct {
	ID      int64  `json:"id,omitempty"`
	Type    string `json:"type"` // "channel", "long" or "temp"
	Content string `json:"content,omitempty"`
}

type RegexSyncPayload struct {
	Type  string   `json:"type"`
	Words []string `json:"words"`
}

type ClearPayload struct {
	Type string `json:"type"`
}

type LeavePayload struct {
	GroupID int64  `json:"group_id"`
	Reason  string `json:"reason"`
}

type StatusPayload struct {
	Status string `json:"status"`
}

type ConfigShowPayload struct {
	GroupID int64 `json:"group_id"`
	AdminID int64 `json:"admin_id"`
}

type ConfigTextPayload struct {
	GroupID int64  `json:"group_id"`
	AdminID int64  `json:"admin_id"`
	Text    string `json:"text"`
}

type RemoveScorePayload struct {
	ID int64 `json:"id"`
}

type RollbackPayload struct {
	AdminID int64           `json:"admin_id"`
	Type    string          `json:"type"` // collection name
	Data    json.RawMessage `json:"data"`
}

type PreviewPayload struct {
	GroupID   int64  `json:"group_id"`
	UserID    int64  `json:"user_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	URL       string `json:"url,omitempty"`
}

// Publisher broadcasts envelopes to the fleet over the shared pub/sub
// channel.
type Publisher struct {
	client    *redis.Client
	channel   string
	sender    string
	receivers config.Receivers
	metrics   *middleware.Metrics
	logger    *logrus.Logger
}

// NewPublisher creates a publisher for this service.
func NewPublisher(client *redis.Client, cfg *config.Config, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client:    client,
		channel:   cfg.Channels.Exchange,
		sender:    cfg.Fleet.Sender,
		receivers: cfg.Fleet.Receivers,
		metrics:   middleware.NewMetrics(),
		logger:    logger,
	}
}

// Sender returns this service's fleet name.
func (p *Publisher) Sender() string {
	return p.sender
}

// Publish sends one envelope. Errors are returned so callers on the task
// queue can log them; nothing retries.
func (p *Publisher) Publish(ctx context.Context, to []string, action, typ string, data interface{}) error {
	if p.client == nil {
		p.logger.WithFields(logrus.Fields{
			"action": action,
			"type":   typ,
		}).Debug("Exchange disabled, dropping envelope")
		return nil
	}
	env := models.Envelope{
		From:   p.sender,
		To:     to,
		Action: action,
		Type:   typ,
		Data:   data,
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s/%s: %w", action, typ, err)
	}
	p.metrics.RecordExchangePublished(action, typ)
	return nil
}

// ShareBadUser broadcasts a global user ban.
func (p *Publisher) ShareBadUser(ctx context.Context, uid int64) error {
	return p.Publish(ctx, p.receivers.Bad, "add", "bad", BadPayload{ID: uid, Type: "user"})
}

// ShareWatchUser broadcasts a watch entry upgrade.
func (p *Publisher) ShareWatchUser(ctx context.Context, uid int64, kind models.WatchKind, until int64) error {
	return p.Publish(ctx, p.receivers.Watch, "add", "watch",
		WatchPayload{ID: uid, Type: string(kind), Until: until})
}

// AskForHelp asks the USER service to act where this bot lacks permission.
// typ is "ban" or "delete".
func (p *Publisher) AskForHelp(ctx context.Context, typ string, gid, uid, mid int64) error {
	return p.Publish(ctx, []string{ServiceUser}, "help", typ,
		HelpPayload{GroupID: gid, UserID: uid, MessageID: mid})
}

// DeclareMessage claims a message id so sibling bots skip it.
func (p *Publisher) DeclareMessage(ctx context.Context, gid, mid int64) error {
	return p.Publish(ctx, p.receivers.Declare, "update", "declare",
		DeclarePayload{GroupID: gid, MessageID: mid})
}

// UpdateScore broadcasts this service's score for a user.
func (p *Publisher) UpdateScore(ctx context.Context, uid int64, score float64) error {
	return p.Publish(ctx, p.receivers.Score, "update", "score",
		ScorePayload{ID: uid, Score: score})
}

// ShareRegexCount reports a dictionary's usage counters.
func (p *Publisher) ShareRegexCount(ctx context.Context, kind string, words map[string]int64) error {
	return p.Publish(ctx, []string{ServiceRegex}, "regex", "count",
		RegexCountPayload{Type: kind, Words: words})
}

// AskConfig opens a remote configuration session for the group.
func (p *Publisher) AskConfig(ctx context.Context, gid, adminID, mid int64, cfg *models.GroupConfig) error {
	return p.Publish(ctx, []string{ServiceConfig}, "config", "ask",
		ConfigAskPayload{GroupID: gid, AdminID: adminID, MessageID: mid, Config: cfg})
}

// ShareConfigText sends the rendered group configuration back to MANAGE.
func (p *Publisher) ShareConfigText(ctx context.Context, gid, adminID int64, text string) error {
	return p.Publish(ctx, []string{ServiceManage}, "config", "show",
		ConfigTextPayload{GroupID: gid, AdminID: adminID, Text: text})
}

// RequestLeave asks MANAGE to approve leaving a group.
func (p *Publisher) RequestLeave(ctx context.Context, gid int64, reason string) error {
	return p.Publish(ctx, []string{ServiceManage}, "leave", "request",
		LeavePayload{GroupID: gid, Reason: reason})
}

// BackupStatus pings the BACKUP service that this bot is alive.
func (p *Publisher) BackupStatus(ctx context.Context) error {
	return p.Publish(ctx, []string{ServiceBackup}, "backup", "status",
		StatusPayload{Status: "awake"})
}
