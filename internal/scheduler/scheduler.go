package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/exchange"
	"github.com/tg-clean-bot-go/internal/middleware"
	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/internal/state"
	"github.com/tg-clean-bot-go/internal/worker"
)

// Telegram is the slice of the platform service the maintenance jobs drive.
type Telegram interface {
	Delete(ctx context.Context, gid, mid int64) error
	Ban(ctx context.Context, gid, uid int64) error
	Unban(ctx context.Context, gid, uid int64) error
	MemberInfo(ctx context.Context, gid, uid int64) (string, bool, error)
	ForgetAdmins(gid int64)
	GetAdmins(ctx context.Context, gid int64) ([]int64, error)
}

// Scheduler runs the periodic maintenance jobs. Per-group failures are
// logged and skipped; a job never aborts the whole batch.
type Scheduler struct {
	cron      *cron.Cron
	state     *state.Manager
	telegram  Telegram
	publisher *exchange.Publisher
	pool      *worker.Pool
	metrics   *middleware.Metrics

	timeSticker int64
	resetDay    int

	logger *logrus.Logger
}

// New creates the scheduler with its job table.
func New(st *state.Manager, tg Telegram, pub *exchange.Publisher,
	pool *worker.Pool, cfg *config.Config, logger *logrus.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:        cron.New(),
		state:       st,
		telegram:    tg,
		publisher:   pub,
		pool:        pool,
		metrics:     middleware.NewMetrics(),
		timeSticker: cfg.Thresholds.TimeSticker,
		resetDay:    cfg.Thresholds.ResetDay,
		logger:      logger,
	}

	jobs := []struct {
		spec string
		fn   func()
	}{
		{"*/10 * * * *", s.resetSessions},
		{"@hourly", s.deleteExpiredStickers},
		{"@daily", s.daily},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, job.fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// resetSessions clears the per-session sets every ten minutes.
func (s *Scheduler) resetSessions() {
	s.state.ResetSessions()
	s.logger.Debug("Session sets reset")
}

// deleteExpiredStickers removes tracked sticker messages older than the
// configured lifetime, in groups that enabled timed deletion.
func (s *Scheduler) deleteExpiredStickers() {
	cutoff := time.Now().Unix() - s.timeSticker
	for _, gid := range s.state.ConfigGroups() {
		cfg := s.state.Config(gid)
		if !cfg.Enabled(models.CategoryTimedDelete) {
			continue
		}
		expired := s.state.PopExpiredStickers(gid, cutoff)
		if len(expired) == 0 {
			continue
		}
		gid := gid
		s.pool.Submit(func(ctx context.Context) {
			for _, mid := range expired {
				if err := s.telegram.Delete(ctx, gid, mid); err != nil {
					s.logger.WithError(err).WithField("group_id", gid).Warn("Timed delete failed")
				}
			}
		})
	}
}

// daily refreshes admin lists, cleans deleted accounts, pings the backup
// service and, on the reset day, wipes the accumulated reputation data.
func (s *Scheduler) daily() {
	s.refreshAdmins()
	s.cleanDeletedAccounts()
	s.state.ResetTempExcepts()

	now := time.Now().Unix()
	s.metrics.SetWatchedUsers(float64(s.state.WatchedCount(now)))
	s.metrics.SetActiveGroups(float64(len(s.state.ConfigGroups())))

	s.pool.Submit(func(ctx context.Context) {
		if err := s.publisher.BackupStatus(ctx); err != nil {
			s.logger.WithError(err).Warn("Backup status ping failed")
		}
	})

	if time.Now().Day() == s.resetDay {
		s.state.MonthlyReset()
		s.logger.Info("Monthly data reset completed")
	}
}

// cleanDeletedAccounts kicks deleted accounts and unbans deleted entries on
// the kicked list, in groups that enabled the daily member clean. Only
// accounts the bot has tracked can be checked; the platform API offers no
// full member enumeration.
func (s *Scheduler) cleanDeletedAccounts() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	for _, gid := range s.state.ConfigGroups() {
		if !s.state.Config(gid).Enabled(models.CategoryCleanMember) {
			continue
		}

		var kicked, unbanned int
		for _, uid := range s.state.KnownUsers(gid) {
			status, deleted, err := s.telegram.MemberInfo(ctx, gid, uid)
			if err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"group_id": gid,
					"user_id":  uid,
				}).Debug("Member lookup failed")
				continue
			}
			if !deleted {
				continue
			}
			switch status {
			case "member", "restricted":
				if err := s.telegram.Ban(ctx, gid, uid); err == nil {
					kicked++
				}
			case "kicked":
				if err := s.telegram.Unban(ctx, gid, uid); err == nil {
					unbanned++
				}
			}
		}

		if kicked > 0 || unbanned > 0 {
			s.logger.WithFields(logrus.Fields{
				"group_id": gid,
				"kicked":   kicked,
				"unbanned": unbanned,
			}).Info("Deleted accounts cleaned")
		}
	}
}

// refreshAdmins re-fetches every group's admin list. A group the bot can no
// longer read gets a leave request instead of stale admin data.
func (s *Scheduler) refreshAdmins() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, gid := range s.state.ConfigGroups() {
		s.telegram.ForgetAdmins(gid)
		admins, err := s.telegram.GetAdmins(ctx, gid)
		if err != nil {
			s.logger.WithError(err).WithField("group_id", gid).Warn("Admin refresh failed, requesting leave")
			gid := gid
			s.pool.Submit(func(ctx context.Context) {
				if err := s.publisher.RequestLeave(ctx, gid, "admin refresh failed"); err != nil {
					s.logger.WithError(err).Warn("Leave request failed")
				}
			})
			continue
		}
		s.state.SetAdmins(gid, admins)
	}
	s.logger.Debug("Admin lists refreshed")
}
