package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tg-clean-bot-go/internal/classifier"
	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/dictionary"
	"github.com/tg-clean-bot-go/internal/enforcer"
	"github.com/tg-clean-bot-go/internal/exchange"
	"github.com/tg-clean-bot-go/internal/middleware"
	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/internal/services/cache"
	"github.com/tg-clean-bot-go/internal/services/storage"
	"github.com/tg-clean-bot-go/internal/state"
	"github.com/tg-clean-bot-go/internal/worker"
)

type fakeEnforceActions struct {
	mu      sync.Mutex
	deletes []int64
	bans    []int64
}

func (f *fakeEnforceActions) ForwardEvidence(ctx context.Context, m *models.Message, level, rule, detail string) (int64, error) {
	return 100, nil
}

func (f *fakeEnforceActions) Delete(ctx context.Context, gid, mid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, mid)
	return nil
}

func (f *fakeEnforceActions) Ban(ctx context.Context, gid, uid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans = append(f.bans, uid)
	return nil
}

func (f *fakeEnforceActions) SendDebug(ctx context.Context, gid int64, level, rule string, uid, evidenceMID int64) error {
	return nil
}

type receiveFixture struct {
	receiver   *Receiver
	dispatcher *exchange.Dispatcher
	state      *state.Manager
	dict       *dictionary.Dictionary
	cache      *cache.ContentCache
	actions    *fakeEnforceActions
	pool       *worker.Pool
}

func newReceiveFixture(t *testing.T) *receiveFixture {
	t.Helper()
	logger := logrus.New()

	cfg := &config.Config{
		Storage: config.StorageConfig{Type: "memory"},
		Fleet:   config.FleetConfig{Sender: "CLEAN"},
		Thresholds: config.ThresholdsConfig{
			ScoreBan:    3.0,
			TimeBan:     86400 * 7,
			TimeNew:     86400 * 3,
			TimeLimited: 3600,
			ImageSize:   512 * 1024,
		},
	}

	store, err := storage.NewManager(cfg, logger)
	require.NoError(t, err)

	st := state.NewManager(store, nil, cfg.Thresholds.ScoreBan, logger)
	dict := dictionary.New(logger)
	contentCache := cache.New(time.Hour, logger)
	pub := exchange.NewPublisher(nil, cfg, logger)
	pool := worker.NewPool(2, 64, logger)
	actions := &fakeEnforceActions{}
	enf := enforcer.New(st, dict, pub, pool, actions, cfg, logger)
	cls := classifier.New(dict, contentCache, st, nil, nil, cfg, logger)

	receiver := NewReceiver(st, dict, store, contentCache, nil, pub, cls, enf,
		middleware.NewMetrics(), nil, logger)
	dispatcher := exchange.NewDispatcher("CLEAN", logger)
	receiver.Register(dispatcher)

	return &receiveFixture{
		receiver:   receiver,
		dispatcher: dispatcher,
		state:      st,
		dict:       dict,
		cache:      contentCache,
		actions:    actions,
		pool:       pool,
	}
}

func (f *receiveFixture) dispatch(from, action, typ string, data interface{}) {
	f.dispatcher.Dispatch(context.Background(), &models.Envelope{
		From:   from,
		To:     []string{"CLEAN"},
		Action: action,
		Type:   typ,
		Data:   data,
	})
}

func TestReceiveRemoveWatchClearsEntry(t *testing.T) {
	f := newReceiveFixture(t)
	now := time.Now().Unix()

	f.state.AddWatch(9, models.WatchBan, now+1000)
	f.state.AddWatch(9, models.WatchDelete, now+1000)

	f.dispatch("WATCH", "remove", "watch", exchange.WatchPayload{ID: 9, Type: "all"})
	assert.False(t, f.state.IsWatched(9, models.WatchBan, now))
	assert.False(t, f.state.IsWatched(9, models.WatchDelete, now))

	// MANAGE may lift entries too.
	f.state.AddWatch(9, models.WatchBan, now+1000)
	f.dispatch("MANAGE", "remove", "watch", exchange.WatchPayload{ID: 9, Type: "all"})
	assert.False(t, f.state.IsWatched(9, models.WatchBan, now))
}

func TestReceiveRemoveScoreResetsUser(t *testing.T) {
	f := newReceiveFixture(t)
	f.state.SetScore(9, "nospam", 2.0)
	f.state.SetScore(9, "lang", 1.5)
	require.Greater(t, f.state.HighScore(9), 0.0)

	f.dispatch("MANAGE", "remove", "score", exchange.RemoveScorePayload{ID: 9})

	assert.Zero(t, f.state.HighScore(9))
}

func TestReceiveRollbackRestoresCollection(t *testing.T) {
	f := newReceiveFixture(t)
	f.state.AddBadUser(9)

	snapshot, err := json.Marshal(map[string]map[int64]bool{
		"users":    {42: true},
		"channels": {},
	})
	require.NoError(t, err)

	f.dispatch("MANAGE", "rollback", "data", exchange.RollbackPayload{
		AdminID: 1, Type: "bad_ids", Data: snapshot,
	})

	assert.False(t, f.state.IsBadUser(9))
	assert.True(t, f.state.IsBadUser(42))
}

func TestReceiveRollbackUnknownCollection(t *testing.T) {
	f := newReceiveFixture(t)

	err := f.receiver.receiveRollback(context.Background(), &models.Envelope{
		From: "MANAGE", To: []string{"CLEAN"}, Action: "rollback", Type: "data",
		Data: exchange.RollbackPayload{Type: "nope", Data: json.RawMessage(`{}`)},
	})
	assert.Error(t, err)
}

func TestReceiveConfigShow(t *testing.T) {
	f := newReceiveFixture(t)

	err := f.receiver.receiveConfigShow(context.Background(), &models.Envelope{
		From: "MANAGE", To: []string{"CLEAN"}, Action: "config", Type: "show",
		Data: exchange.ConfigShowPayload{GroupID: -100500, AdminID: 1},
	})
	assert.NoError(t, err)

	err = f.receiver.receiveConfigShow(context.Background(), &models.Envelope{
		From: "MANAGE", To: []string{"CLEAN"}, Action: "config", Type: "show",
		Data: exchange.ConfigShowPayload{AdminID: 1},
	})
	assert.Error(t, err)
}

func TestReceivePreviewFlagsLinkedContent(t *testing.T) {
	f := newReceiveFixture(t)
	f.dict.Sync(dictionary.KindTGLink, []string{`t\.me/`})

	cfg := f.state.Config(-100500)
	cfg.Filters[models.CategoryTGLink] = true
	f.state.SetConfig(-100500, cfg)

	f.dispatch("USER", "update", "preview", exchange.PreviewPayload{
		GroupID:   -100500,
		UserID:    9,
		MessageID: 5,
		Text:      "join t.me/spamhub now",
		URL:       "https://t.me/spamhub",
	})
	f.pool.Stop()

	assert.Equal(t, []int64{5}, f.actions.deletes)
	assert.True(t, f.state.IsDeclared(-100500, 5))

	cat, found := f.cache.Get(cache.FingerprintText("https://t.me/spamhub"))
	require.True(t, found)
	assert.Equal(t, models.CategoryTGLink, cat)
}

func TestReceivePreviewSkipsTrustedUser(t *testing.T) {
	f := newReceiveFixture(t)
	f.dict.Sync(dictionary.KindTGLink, []string{`t\.me/`})
	f.state.SetAdmins(-100500, []int64{10})

	cfg := f.state.Config(-100500)
	cfg.Filters[models.CategoryTGLink] = true
	f.state.SetConfig(-100500, cfg)

	f.dispatch("USER", "update", "preview", exchange.PreviewPayload{
		GroupID:   -100500,
		UserID:    10,
		MessageID: 6,
		Text:      "join t.me/spamhub now",
	})
	f.pool.Stop()

	assert.Empty(t, f.actions.deletes)
}
