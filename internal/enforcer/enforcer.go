package enforcer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/dictionary"
	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/internal/state"
	"github.com/tg-clean-bot-go/internal/worker"
)

// Enforcement levels and rule labels used in evidence records and debug
// reports.
const (
	LevelBan          = "auto ban"
	LevelDelete       = "auto delete"
	LevelGlobalDelete = "global delete"

	RuleNameExamine = "name examine"
	RuleWatchedUser = "watched user"
	RuleHighScore   = "high score"
	RuleOpUpgrade   = "operation upgrade"
	RuleCustom      = "custom rule"
)

// Actions is the platform side of enforcement. Implementations treat
// "message already deleted" and "missing permission" as no-op success.
type Actions interface {
	// ForwardEvidence copies the offending message to the audit channel and
	// returns the evidence message id, zero when forwarding failed.
	ForwardEvidence(ctx context.Context, m *models.Message, level, rule, detail string) (int64, error)
	Delete(ctx context.Context, gid, mid int64) error
	Ban(ctx context.Context, gid, uid int64) error
	// SendDebug posts the enforcement report to the debug channel.
	SendDebug(ctx context.Context, gid int64, level, rule string, uid, evidenceMID int64) error
}

// Broadcaster is the fleet-facing half of enforcement, satisfied by the
// exchange publisher.
type Broadcaster interface {
	Sender() string
	ShareBadUser(ctx context.Context, uid int64) error
	ShareWatchUser(ctx context.Context, uid int64, kind models.WatchKind, until int64) error
	AskForHelp(ctx context.Context, typ string, gid, uid, mid int64) error
	DeclareMessage(ctx context.Context, gid, mid int64) error
	UpdateScore(ctx context.Context, uid int64, score float64) error
}

// Categories a delete-watch entry escalates on.
var watchDeleteCategories = map[models.Category]bool{
	models.CategoryAffLink: true,
	models.CategoryExe:     true,
	models.CategoryIMLink:  true,
	models.CategoryPhone:   true,
	models.CategoryTGProxy: true,
	models.CategoryQRCode:  true,
}

// Escalation trigger sets by account-age class.
var (
	brandNewCategories = map[models.Category]bool{
		models.CategoryExe:    true,
		models.CategoryQRCode: true,
	}
	newInGroupCategories = map[models.Category]bool{
		models.CategoryAffLink:   true,
		models.CategoryShortLink: true,
		models.CategoryTGProxy:   true,
	}
	limitedCategories = map[models.Category]bool{
		models.CategoryIMLink: true,
		models.CategoryPhone:  true,
		models.CategoryTGLink: true,
	}
)

// Enforcer turns a classification verdict into exactly one action. Decisions
// and registry mutations happen inline under the caller's message lock;
// every network side effect goes to the task queue.
type Enforcer struct {
	state     *state.Manager
	dict      *dictionary.Dictionary
	publisher Broadcaster
	pool      *worker.Pool
	actions   Actions

	timeBan     int64
	timeNew     int64
	timeLimited int64

	now    func() int64
	logger *logrus.Logger
}

// New wires an enforcer.
func New(st *state.Manager, dict *dictionary.Dictionary, pub Broadcaster,
	pool *worker.Pool, actions Actions, cfg *config.Config, logger *logrus.Logger) *Enforcer {
	return &Enforcer{
		state:       st,
		dict:        dict,
		publisher:   pub,
		pool:        pool,
		actions:     actions,
		timeBan:     cfg.Thresholds.TimeBan,
		timeNew:     cfg.Thresholds.TimeNew,
		timeLimited: cfg.Thresholds.TimeLimited,
		now:         func() int64 { return time.Now().Unix() },
		logger:      logger,
	}
}

// Terminate applies the first matching enforcement branch and reports
// whether any action was taken. Branches are mutually exclusive and ordered
// from harshest to mildest.
func (e *Enforcer) Terminate(m *models.Message, category models.Category) bool {
	return e.TerminateWithDetail(m, category, "")
}

// TerminateWithDetail is Terminate with the classifier's detail string
// carried into the evidence record.
func (e *Enforcer) TerminateWithDetail(m *models.Message, category models.Category, detail string) bool {
	if category == models.CategoryNone {
		return false
	}
	if e.state.IsTrusted(m.ChatID, m.UserID) || e.state.IsDeclared(m.ChatID, m.MessageID) {
		return false
	}

	now := e.now()

	if !category.IsSpam() {
		return e.contentFilter(m, category, detail)
	}

	// Name-based auto ban.
	if name := e.bannedName(m); name != "" {
		e.banUser(m, category, RuleNameExamine, name)
		return true
	}
	// Watch-ban escalation.
	if e.state.IsWatched(m.UserID, models.WatchBan, now) {
		e.banUser(m, category, RuleWatchedUser, detail)
		return true
	}
	// High aggregate score.
	if score := e.state.HighScore(m.UserID); score > 0 {
		e.banUser(m, category, RuleHighScore, detail)
		return true
	}
	// Watch-delete escalation, restricted categories only.
	if watchDeleteCategories[category] && e.state.IsWatched(m.UserID, models.WatchDelete, now) {
		e.deleteEscalate(m, category, RuleWatchedUser, detail, now)
		return true
	}
	// Account-age escalation.
	if e.isEscalated(m, category, now) {
		e.deleteEscalate(m, category, RuleOpUpgrade, detail, now)
		return true
	}
	// Repeat offense already reported, or recorded banned content. The
	// detection is still marked so a later fresh hit stays evidence-free.
	if category == models.CategoryTrue || e.state.IsDetected(m.ChatID, m.UserID) {
		e.state.RecordDetection(m.ChatID, m.UserID, now)
		e.deleteOnly(m)
		return true
	}
	// Default custom-rule delete.
	e.deleteWithEvidence(m, category, RuleCustom, detail, now)
	return true
}

func (e *Enforcer) isEscalated(m *models.Message, category models.Category, now int64) bool {
	switch {
	case brandNewCategories[category] && e.state.IsNewUser(0, m.UserID, now, e.timeNew):
		return true
	case newInGroupCategories[category] && e.state.IsNewUser(m.ChatID, m.UserID, now, e.timeNew):
		return true
	case limitedCategories[category] && e.state.IsNewUser(m.ChatID, m.UserID, now, e.timeLimited):
		return true
	}
	return false
}

// bannedName returns the offending display or forward name, empty when the
// names are clean or whitelisted.
func (e *Enforcer) bannedName(m *models.Message) string {
	for _, name := range []string{m.FullName, m.ForwardName} {
		if name == "" || e.state.IsExceptName(name) {
			continue
		}
		if e.dict.Match(dictionary.KindBan, name) {
			return name
		}
	}
	return ""
}

// banUser is the harsh branch shared by name, watch-ban and high-score hits:
// evidence, global bad mark, ban, delete, declare, fleet broadcast.
func (e *Enforcer) banUser(m *models.Message, category models.Category, rule, detail string) {
	e.state.AddBadUser(m.UserID)
	e.declare(m)

	gid, uid, mid := m.ChatID, m.UserID, m.MessageID
	msg := *m
	e.pool.Submit(func(ctx context.Context) {
		evidenceMID, err := e.actions.ForwardEvidence(ctx, &msg, LevelBan, rule, detail)
		if err != nil {
			e.logger.WithError(err).Warn("Evidence forward failed")
		}
		if err := e.actions.Ban(ctx, gid, uid); err != nil {
			e.logger.WithError(err).WithField("user_id", uid).Warn("Ban failed")
		}
		if err := e.actions.Delete(ctx, gid, mid); err != nil {
			e.logger.WithError(err).Warn("Delete failed")
		}
		if err := e.publisher.ShareBadUser(ctx, uid); err != nil {
			e.logger.WithError(err).Warn("Bad-user broadcast failed")
		}
		if err := e.publisher.AskForHelp(ctx, "ban", gid, uid, mid); err != nil {
			e.logger.WithError(err).Warn("Ban-assistance broadcast failed")
		}
		if err := e.publisher.DeclareMessage(ctx, gid, mid); err != nil {
			e.logger.WithError(err).Warn("Declare broadcast failed")
		}
		if err := e.actions.SendDebug(ctx, gid, LevelBan, rule, uid, evidenceMID); err != nil {
			e.logger.WithError(err).Warn("Debug report failed")
		}
	})

	e.logger.WithFields(logrus.Fields{
		"group_id": gid,
		"user_id":  uid,
		"category": string(category),
		"rule":     rule,
	}).Info("User banned")
}

// deleteEscalate is the global-delete branch: evidence, delete, fleet delete
// assistance, watch-ban upgrade, conditional score bump.
func (e *Enforcer) deleteEscalate(m *models.Message, category models.Category, rule, detail string, now int64) {
	e.declare(m)
	until := now + e.timeBan
	e.state.AddWatch(m.UserID, models.WatchBan, until)
	score := e.bumpScore(m, now)

	gid, uid, mid := m.ChatID, m.UserID, m.MessageID
	msg := *m
	e.pool.Submit(func(ctx context.Context) {
		evidenceMID, err := e.actions.ForwardEvidence(ctx, &msg, LevelGlobalDelete, rule, detail)
		if err != nil {
			e.logger.WithError(err).Warn("Evidence forward failed")
		}
		if err := e.actions.Delete(ctx, gid, mid); err != nil {
			e.logger.WithError(err).Warn("Delete failed")
		}
		if err := e.publisher.AskForHelp(ctx, "delete", gid, uid, mid); err != nil {
			e.logger.WithError(err).Warn("Delete-assistance broadcast failed")
		}
		if err := e.publisher.ShareWatchUser(ctx, uid, models.WatchBan, until); err != nil {
			e.logger.WithError(err).Warn("Watch broadcast failed")
		}
		if err := e.publisher.DeclareMessage(ctx, gid, mid); err != nil {
			e.logger.WithError(err).Warn("Declare broadcast failed")
		}
		if score > 0 {
			if err := e.publisher.UpdateScore(ctx, uid, score); err != nil {
				e.logger.WithError(err).Warn("Score broadcast failed")
			}
		}
		if err := e.actions.SendDebug(ctx, gid, LevelGlobalDelete, rule, uid, evidenceMID); err != nil {
			e.logger.WithError(err).Warn("Debug report failed")
		}
	})

	e.logger.WithFields(logrus.Fields{
		"group_id": gid,
		"user_id":  uid,
		"category": string(category),
		"rule":     rule,
	}).Info("Message escalated")
}

// deleteWithEvidence is the default spam branch.
func (e *Enforcer) deleteWithEvidence(m *models.Message, category models.Category, rule, detail string, now int64) {
	e.declare(m)
	score := e.bumpScore(m, now)

	gid, uid, mid := m.ChatID, m.UserID, m.MessageID
	msg := *m
	e.pool.Submit(func(ctx context.Context) {
		evidenceMID, err := e.actions.ForwardEvidence(ctx, &msg, LevelDelete, rule, detail)
		if err != nil {
			e.logger.WithError(err).Warn("Evidence forward failed")
		}
		if err := e.actions.Delete(ctx, gid, mid); err != nil {
			e.logger.WithError(err).Warn("Delete failed")
		}
		if err := e.publisher.DeclareMessage(ctx, gid, mid); err != nil {
			e.logger.WithError(err).Warn("Declare broadcast failed")
		}
		if score > 0 {
			if err := e.publisher.UpdateScore(ctx, uid, score); err != nil {
				e.logger.WithError(err).Warn("Score broadcast failed")
			}
		}
		if err := e.actions.SendDebug(ctx, gid, LevelDelete, rule, uid, evidenceMID); err != nil {
			e.logger.WithError(err).Warn("Debug report failed")
		}
	})

	e.logger.WithFields(logrus.Fields{
		"group_id": gid,
		"user_id":  uid,
		"category": string(category),
	}).Info("Message deleted")
}

// deleteOnly handles repeat offenses already reported this cycle: no new
// evidence, just removal.
func (e *Enforcer) deleteOnly(m *models.Message) {
	e.declare(m)

	gid, mid := m.ChatID, m.MessageID
	e.pool.Submit(func(ctx context.Context) {
		if err := e.actions.Delete(ctx, gid, mid); err != nil {
			e.logger.WithError(err).Warn("Delete failed")
		}
		if err := e.publisher.DeclareMessage(ctx, gid, mid); err != nil {
			e.logger.WithError(err).Warn("Declare broadcast failed")
		}
	})
}

// contentFilter handles non-spam categories: one evidence record per user,
// group and session, pure deletes afterwards.
func (e *Enforcer) contentFilter(m *models.Message, category models.Category, detail string) bool {
	if e.state.IsRecorded(m.ChatID, m.UserID) {
		e.deleteOnly(m)
		return true
	}
	e.state.Record(m.ChatID, m.UserID)
	e.declare(m)

	gid, uid, mid := m.ChatID, m.UserID, m.MessageID
	msg := *m
	e.pool.Submit(func(ctx context.Context) {
		evidenceMID, err := e.actions.ForwardEvidence(ctx, &msg, LevelDelete, string(category), detail)
		if err != nil {
			e.logger.WithError(err).Warn("Evidence forward failed")
		}
		if err := e.actions.Delete(ctx, gid, mid); err != nil {
			e.logger.WithError(err).Warn("Delete failed")
		}
		if err := e.publisher.DeclareMessage(ctx, gid, mid); err != nil {
			e.logger.WithError(err).Warn("Declare broadcast failed")
		}
		if err := e.actions.SendDebug(ctx, gid, LevelDelete, string(category), uid, evidenceMID); err != nil {
			e.logger.WithError(err).Warn("Debug report failed")
		}
	})
	return true
}

func (e *Enforcer) declare(m *models.Message) {
	e.state.Declare(m.ChatID, m.MessageID)
}

// bumpScore increments this service's score for the user, only on the first
// detection in the group. Returns the new score, zero when nothing changed.
func (e *Enforcer) bumpScore(m *models.Message, now int64) float64 {
	if e.state.RecordDetection(m.ChatID, m.UserID, now) {
		return 0
	}
	score := float64(e.state.DetectedGroups(m.UserID)) * 0.3
	if score > 3.0 {
		score = 3.0
	}
	e.state.SetScore(m.UserID, e.publisher.Sender(), score)
	return score
}
