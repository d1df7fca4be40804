package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/exchange"
	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/internal/services/storage"
	"github.com/tg-clean-bot-go/internal/state"
	"github.com/tg-clean-bot-go/internal/worker"
)

type member struct {
	status  string
	deleted bool
}

type fakeTelegram struct {
	mu      sync.Mutex
	members map[int64]map[int64]member
	bans    []int64
	unbans  []int64
}

func (f *fakeTelegram) Delete(ctx context.Context, gid, mid int64) error { return nil }

func (f *fakeTelegram) Ban(ctx context.Context, gid, uid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans = append(f.bans, uid)
	return nil
}

func (f *fakeTelegram) Unban(ctx context.Context, gid, uid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbans = append(f.unbans, uid)
	return nil
}

func (f *fakeTelegram) MemberInfo(ctx context.Context, gid, uid int64) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.members[gid][uid]
	return m.status, m.deleted, nil
}

func (f *fakeTelegram) ForgetAdmins(gid int64) {}

func (f *fakeTelegram) GetAdmins(ctx context.Context, gid int64) ([]int64, error) {
	return []int64{1}, nil
}

func newSchedulerFixture(t *testing.T, ft *fakeTelegram) (*Scheduler, *state.Manager) {
	t.Helper()
	logger := logrus.New()

	cfg := &config.Config{
		Storage: config.StorageConfig{Type: "memory"},
		Fleet:   config.FleetConfig{Sender: "CLEAN"},
		Thresholds: config.ThresholdsConfig{
			ScoreBan:    3.0,
			TimeSticker: 3600,
			ResetDay:    1,
		},
	}

	store, err := storage.NewManager(cfg, logger)
	require.NoError(t, err)

	st := state.NewManager(store, nil, cfg.Thresholds.ScoreBan, logger)
	pub := exchange.NewPublisher(nil, cfg, logger)
	pool := worker.NewPool(2, 64, logger)

	s, err := New(st, ft, pub, pool, cfg, logger)
	require.NoError(t, err)
	return s, st
}

func TestCleanDeletedAccounts(t *testing.T) {
	ft := &fakeTelegram{
		members: map[int64]map[int64]member{
			-100500: {
				1: {status: "member", deleted: true},
				2: {status: "kicked", deleted: true},
				3: {status: "member", deleted: false},
			},
			-100600: {
				4: {status: "member", deleted: true},
			},
		},
	}
	s, st := newSchedulerFixture(t, ft)
	now := time.Now().Unix()

	// Group with the member clean enabled.
	cfg := st.Config(-100500)
	cfg.Filters[models.CategoryCleanMember] = true
	st.SetConfig(-100500, cfg)
	st.RecordJoin(-100500, 1, now-86400)
	st.RecordJoin(-100500, 2, now-86400)
	st.RecordJoin(-100500, 3, now-86400)

	// Group with it off stays untouched.
	st.SetConfig(-100600, st.Config(-100600))
	st.RecordJoin(-100600, 4, now-86400)

	s.cleanDeletedAccounts()

	assert.Equal(t, []int64{1}, ft.bans)
	assert.Equal(t, []int64{2}, ft.unbans)
}

func TestCleanDeletedAccountsSkipsLiveMembers(t *testing.T) {
	ft := &fakeTelegram{
		members: map[int64]map[int64]member{
			-100500: {
				3: {status: "member", deleted: false},
				5: {status: "administrator", deleted: false},
			},
		},
	}
	s, st := newSchedulerFixture(t, ft)
	now := time.Now().Unix()

	cfg := st.Config(-100500)
	cfg.Filters[models.CategoryCleanMember] = true
	st.SetConfig(-100500, cfg)
	st.RecordJoin(-100500, 3, now-86400)
	st.RecordJoin(-100500, 5, now-86400)

	s.cleanDeletedAccounts()

	assert.Empty(t, ft.bans)
	assert.Empty(t, ft.unbans)
}
