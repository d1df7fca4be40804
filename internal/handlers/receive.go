package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/classifier"
	"github.com/tg-clean-bot-go/internal/dictionary"
	"github.com/tg-clean-bot-go/internal/enforcer"
	"github.com/tg-clean-bot-go/internal/exchange"
	"github.com/tg-clean-bot-go/internal/i18n"
	"github.com/tg-clean-bot-go/internal/middleware"
	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/internal/services/cache"
	"github.com/tg-clean-bot-go/internal/services/storage"
	"github.com/tg-clean-bot-go/internal/services/telegram"
	"github.com/tg-clean-bot-go/internal/state"
	"github.com/tg-clean-bot-go/pkg/format"
)

// RestoreDictionaries loads the persisted pattern sets at startup.
func RestoreDictionaries(ctx context.Context, store *storage.Manager, dict *dictionary.Dictionary) error {
	for _, kind := range dictionary.AllKinds {
		var counts map[string]int64
		if err := store.Load(ctx, "dict_"+string(kind), &counts); err != nil {
			return err
		}
		if len(counts) > 0 {
			dict.Restore(kind, counts)
		}
	}
	return nil
}

// Services whose score broadcasts this bot consumes.
var scoreSenders = []string{
	"CAPTCHA", "LANG", "LONG", "NOFLOOD", "NOPORN", "NOSPAM", "RECHECK", "WARN",
}

// Detector services allowed to add bad users, watch entries and declares.
var detectorSenders = []string{
	"CAPTCHA", "CLEAN", "LANG", "LONG", "NOFLOOD", "NOPORN", "NOSPAM", "RECHECK", "WARN",
}

// Receiver owns the inbound half of the exchange protocol: one handler per
// permitted (sender, action, type) triple. Registration is the permission
// matrix; anything not registered is dropped by the dispatcher.
type Receiver struct {
	state      *state.Manager
	dict       *dictionary.Dictionary
	store      *storage.Manager
	cache      *cache.ContentCache
	telegram   *telegram.Service
	publisher  *exchange.Publisher
	classifier *classifier.Classifier
	enforcer   *enforcer.Enforcer
	metrics    *middleware.Metrics
	localizer  *i18n.Localizer
	logger     *logrus.Logger
}

// NewReceiver creates a new receiver
func NewReceiver(
	st *state.Manager,
	dict *dictionary.Dictionary,
	store *storage.Manager,
	contentCache *cache.ContentCache,
	tg *telegram.Service,
	pub *exchange.Publisher,
	cls *classifier.Classifier,
	enf *enforcer.Enforcer,
	metrics *middleware.Metrics,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
) *Receiver {
	return &Receiver{
		state:      st,
		dict:       dict,
		store:      store,
		cache:      contentCache,
		telegram:   tg,
		publisher:  pub,
		classifier: cls,
		enforcer:   enf,
		metrics:    metrics,
		localizer:  localizer,
		logger:     logger,
	}
}

// Register wires every permitted triple into the dispatcher.
func (r *Receiver) Register(d *exchange.Dispatcher) {
	for _, sender := range scoreSenders {
		d.Register(sender, "update", "score", r.wrap(r.receiveScore))
	}
	for _, sender := range detectorSenders {
		d.Register(sender, "add", "bad", r.wrap(r.receiveAddBad))
		d.Register(sender, "update", "declare", r.wrap(r.receiveDeclare))
	}

	d.Register(exchange.ServiceWatch, "add", "watch", r.wrap(r.receiveAddWatch))
	d.Register(exchange.ServiceWatch, "remove", "watch", r.wrap(r.receiveRemoveWatch))
	d.Register(exchange.ServiceUser, "remove", "bad", r.wrap(r.receiveRemoveBad))
	d.Register(exchange.ServiceUser, "update", "preview", r.wrap(r.receivePreview))

	d.Register(exchange.ServiceManage, "add", "bad", r.wrap(r.receiveAddBad))
	d.Register(exchange.ServiceManage, "remove", "bad", r.wrap(r.receiveRemoveBad))
	d.Register(exchange.ServiceManage, "add", "except", r.wrap(r.receiveAddExcept))
	d.Register(exchange.ServiceManage, "remove", "except", r.wrap(r.receiveRemoveExcept))
	d.Register(exchange.ServiceManage, "remove", "watch", r.wrap(r.receiveRemoveWatch))
	d.Register(exchange.ServiceManage, "remove", "score", r.wrap(r.receiveRemoveScore))
	d.Register(exchange.ServiceManage, "config", "show", r.wrap(r.receiveConfigShow))
	d.Register(exchange.ServiceManage, "rollback", "data", r.wrap(r.receiveRollback))
	d.Register(exchange.ServiceManage, "leave", "approve", r.wrap(r.receiveLeaveApprove))
	d.Register(exchange.ServiceManage, "update", "refresh", r.wrap(r.receiveRefresh))
	d.Register(exchange.ServiceManage, "clear", "data", r.wrap(r.receiveClearData))

	d.Register(exchange.ServiceConfig, "config", "commit", r.wrap(r.receiveConfigCommit))
	d.Register(exchange.ServiceConfig, "config", "reply", r.wrap(r.receiveConfigReply))

	d.Register(exchange.ServiceRegex, "regex", "update", r.wrap(r.receiveRegexUpdate))
	d.Register(exchange.ServiceRegex, "regex", "count", r.wrap(r.receiveRegexCountAsk))

	d.Register(exchange.ServiceBackup, "backup", "ask", r.wrap(r.receiveBackupAsk))
}

func (r *Receiver) wrap(fn exchange.HandlerFunc) exchange.HandlerFunc {
	return func(ctx context.Context, env *models.Envelope) error {
		r.metrics.RecordExchangeReceived(env.Action, env.Type)
		return fn(ctx, env)
	}
}

func (r *Receiver) receiveScore(ctx context.Context, env *models.Envelope) error {
	var p exchange.ScorePayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	if p.ID == 0 {
		return fmt.Errorf("score update without user id")
	}
	r.state.SetScore(p.ID, strings.ToLower(env.From), p.Score)
	return nil
}

func (r *Receiver) receiveAddBad(ctx context.Context, env *models.Envelope) error {
	var p exchange.BadPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	switch p.Type {
	case "user":
		r.state.AddBadUser(p.ID)
	case "channel":
		// Only MANAGE may blacklist channels.
		if env.From != exchange.ServiceManage {
			return fmt.Errorf("sender %s may not add bad channels", env.From)
		}
		r.state.AddBadChannel(p.ID)
	default:
		return fmt.Errorf("unknown bad type %q", p.Type)
	}
	return nil
}

func (r *Receiver) receiveRemoveBad(ctx context.Context, env *models.Envelope) error {
	var p exchange.BadPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	switch p.Type {
	case "user":
		r.state.RemoveBadUser(p.ID)
	case "channel":
		r.state.RemoveBadChannel(p.ID)
	default:
		return fmt.Errorf("unknown bad type %q", p.Type)
	}
	return nil
}

func (r *Receiver) receiveAddWatch(ctx context.Context, env *models.Envelope) error {
	var p exchange.WatchPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	kind := models.WatchKind(p.Type)
	if kind != models.WatchBan && kind != models.WatchDelete {
		return fmt.Errorf("unknown watch kind %q", p.Type)
	}
	r.state.AddWatch(p.ID, kind, p.Until)
	return nil
}

// receiveRemoveWatch drops a user from both watch lists.
func (r *Receiver) receiveRemoveWatch(ctx context.Context, env *models.Envelope) error {
	var p exchange.WatchPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	if p.ID == 0 {
		return fmt.Errorf("watch removal without user id")
	}
	r.state.RemoveWatch(p.ID)
	return nil
}

// receiveRemoveScore wipes a user's accumulated reputation record.
func (r *Receiver) receiveRemoveScore(ctx context.Context, env *models.Envelope) error {
	var p exchange.RemoveScorePayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	if p.ID == 0 {
		return fmt.Errorf("score removal without user id")
	}
	r.state.ResetUser(p.ID)
	return nil
}

// receiveConfigShow renders a group's filter flags and sends the text back
// to the manage service for the requesting admin.
func (r *Receiver) receiveConfigShow(ctx context.Context, env *models.Envelope) error {
	var p exchange.ConfigShowPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	if p.GroupID == 0 {
		return fmt.Errorf("config show without group id")
	}
	text := formatFlags(r.state.Config(p.GroupID))
	return r.publisher.ShareConfigText(ctx, p.GroupID, p.AdminID, text)
}

// receiveRollback replaces one persisted collection with the snapshot the
// manage service sends.
func (r *Receiver) receiveRollback(ctx context.Context, env *models.Envelope) error {
	var p exchange.RollbackPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	if err := r.state.Rollback(p.Type, p.Data); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"collection": p.Type,
		"admin_id":   p.AdminID,
	}).Info("Collection rolled back")
	return nil
}

// receivePreview re-checks link preview content the USER service fetched for
// a message this bot already saw. A hit is enforced like a fresh detection,
// and a flagged URL is remembered so re-shares skip the preview round-trip.
func (r *Receiver) receivePreview(ctx context.Context, env *models.Envelope) error {
	var p exchange.PreviewPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	if p.GroupID == 0 || p.UserID == 0 {
		return fmt.Errorf("preview without group or user id")
	}
	if r.state.IsTrusted(p.GroupID, p.UserID) ||
		r.state.IsDeclared(p.GroupID, p.MessageID) ||
		r.state.IsDetected(p.GroupID, p.UserID) {
		return nil
	}

	m := &models.Message{
		ChatID:    p.GroupID,
		MessageID: p.MessageID,
		UserID:    p.UserID,
		Text:      p.Text,
		Date:      time.Now().Unix(),
	}
	category, detail := r.classifier.Classify(ctx, m, r.state.Config(p.GroupID))
	if category == models.CategoryNone {
		return nil
	}
	if p.URL != "" && category != models.CategoryTrue {
		r.cache.Set(cache.FingerprintText(p.URL), category)
	}
	r.enforcer.TerminateWithDetail(m, category, detail)
	return nil
}

func (r *Receiver) receiveDeclare(ctx context.Context, env *models.Envelope) error {
	var p exchange.DeclarePayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	r.state.Declare(p.GroupID, p.MessageID)
	return nil
}

func (r *Receiver) receiveAddExcept(ctx context.Context, env *models.Envelope) error {
	var p exchange.ExceptPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	switch p.Type {
	case "channel":
		r.state.AddExceptChannel(p.ID)
	case "long":
		r.state.AddExceptContent(true, p.Content)
		r.cache.Forget(p.Content)
	case "temp":
		r.state.AddExceptContent(false, p.Content)
		r.cache.Forget(p.Content)
	default:
		return fmt.Errorf("unknown except type %q", p.Type)
	}
	return nil
}

func (r *Receiver) receiveRemoveExcept(ctx context.Context, env *models.Envelope) error {
	var p exchange.ExceptPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	switch p.Type {
	case "channel":
		r.state.RemoveExceptChannel(p.ID)
	case "long", "temp":
		r.state.RemoveExceptContent(p.Content)
	default:
		return fmt.Errorf("unknown except type %q", p.Type)
	}
	return nil
}

func (r *Receiver) receiveLeaveApprove(ctx context.Context, env *models.Envelope) error {
	var p exchange.LeavePayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	r.state.MarkLeft(p.GroupID)
	r.state.RemoveGroup(p.GroupID)
	if err := r.telegram.Leave(p.GroupID); err != nil {
		return err
	}
	r.logger.WithField("group_id", p.GroupID).Info("Left group on approval")
	return nil
}

func (r *Receiver) receiveRefresh(ctx context.Context, env *models.Envelope) error {
	for _, gid := range r.state.ConfigGroups() {
		r.telegram.ForgetAdmins(gid)
		admins, err := r.telegram.GetAdmins(ctx, gid)
		if err != nil {
			r.logger.WithError(err).WithField("group_id", gid).Warn("Admin refresh failed")
			continue
		}
		r.state.SetAdmins(gid, admins)
	}
	return nil
}

func (r *Receiver) receiveClearData(ctx context.Context, env *models.Envelope) error {
	var p exchange.ClearPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	switch p.Type {
	case "bad_users":
		r.state.ClearBadUsers()
	case "bad_channels":
		r.state.ClearBadChannels()
	case "except_channels":
		r.state.ClearExcepts("channels")
	case "except_long":
		r.state.ClearExcepts("long")
	case "except_temp":
		r.state.ClearExcepts("temp")
	case "users":
		r.state.ClearUsers()
	case "watch_ban":
		r.state.ClearWatch(models.WatchBan)
	case "watch_delete":
		r.state.ClearWatch(models.WatchDelete)
	default:
		return fmt.Errorf("unknown clear type %q", p.Type)
	}
	r.logger.WithField("type", p.Type).Info("Data cleared on request")
	return nil
}

func (r *Receiver) receiveConfigCommit(ctx context.Context, env *models.Envelope) error {
	var p exchange.ConfigCommitPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	if p.Config == nil || p.GroupID == 0 {
		return fmt.Errorf("config commit without group or config")
	}
	for cat := range p.Config.Filters {
		if !cat.Valid() {
			return fmt.Errorf("config commit with unknown filter %q", string(cat))
		}
	}
	r.state.SetConfig(p.GroupID, p.Config)
	return nil
}

// receiveConfigReply posts the remote session link into the group.
func (r *Receiver) receiveConfigReply(ctx context.Context, env *models.Envelope) error {
	var p exchange.ConfigReplyPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	text := r.localizer.Default(i18n.MsgConfigSent, nil)
	if p.Link != "" {
		text += "\n" + format.Link(p.Link, p.Link)
	}
	r.telegram.SendReport(p.GroupID, text, p.MessageID, 0)
	return nil
}

func (r *Receiver) receiveRegexUpdate(ctx context.Context, env *models.Envelope) error {
	var p exchange.RegexSyncPayload
	if err := exchange.DecodeData(env, &p); err != nil {
		return err
	}
	kind := dictionary.Kind(p.Type)
	known := false
	for _, k := range dictionary.AllKinds {
		if k == kind {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown dictionary kind %q", p.Type)
	}
	r.dict.Sync(kind, p.Words)
	if err := r.store.Save(ctx, "dict_"+string(kind), r.dict.Export(kind)); err != nil {
		r.logger.WithError(err).WithField("kind", p.Type).Warn("Dictionary persist failed")
	}
	return nil
}

// receiveRegexCountAsk flushes usage counters back to the REGEX service.
func (r *Receiver) receiveRegexCountAsk(ctx context.Context, env *models.Envelope) error {
	for _, kind := range dictionary.AllKinds {
		counts := r.dict.Flush(kind)
		if len(counts) == 0 {
			continue
		}
		if err := r.publisher.ShareRegexCount(ctx, string(kind), counts); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) receiveBackupAsk(ctx context.Context, env *models.Envelope) error {
	return r.publisher.BackupStatus(ctx)
}
