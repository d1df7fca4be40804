package enforcer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/dictionary"
	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/internal/services/storage"
	"github.com/tg-clean-bot-go/internal/state"
	"github.com/tg-clean-bot-go/internal/worker"
)

type evidence struct {
	Level string
	Rule  string
}

type fakeActions struct {
	mu       sync.Mutex
	forwards []evidence
	deletes  []int64
	bans     []int64
	debugs   int
}

func (f *fakeActions) ForwardEvidence(ctx context.Context, m *models.Message, level, rule, detail string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, evidence{Level: level, Rule: rule})
	return 100, nil
}

func (f *fakeActions) Delete(ctx context.Context, gid, mid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, mid)
	return nil
}

func (f *fakeActions) Ban(ctx context.Context, gid, uid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans = append(f.bans, uid)
	return nil
}

func (f *fakeActions) SendDebug(ctx context.Context, gid int64, level, rule string, uid, evidenceMID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debugs++
	return nil
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	bad      []int64
	watches  []models.WatchKind
	helps    []string
	declares []int64
	scores   []float64
}

func (f *fakeBroadcaster) Sender() string { return "CLEAN" }

func (f *fakeBroadcaster) ShareBadUser(ctx context.Context, uid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bad = append(f.bad, uid)
	return nil
}

func (f *fakeBroadcaster) ShareWatchUser(ctx context.Context, uid int64, kind models.WatchKind, until int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches = append(f.watches, kind)
	return nil
}

func (f *fakeBroadcaster) AskForHelp(ctx context.Context, typ string, gid, uid, mid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.helps = append(f.helps, typ)
	return nil
}

func (f *fakeBroadcaster) DeclareMessage(ctx context.Context, gid, mid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declares = append(f.declares, mid)
	return nil
}

func (f *fakeBroadcaster) UpdateScore(ctx context.Context, uid int64, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores = append(f.scores, score)
	return nil
}

type fixture struct {
	enforcer  *Enforcer
	state     *state.Manager
	dict      *dictionary.Dictionary
	actions   *fakeActions
	broadcast *fakeBroadcaster
	pool      *worker.Pool
}

// drain waits for queued side effects.
func (f *fixture) drain() {
	f.pool.Stop()
}

func newFixture(t *testing.T) *fixture {
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
		},
	}

	store, err := storage.NewManager(cfg, logger)
	require.NoError(t, err)

	st := state.NewManager(store, nil, cfg.Thresholds.ScoreBan, logger)
	dict := dictionary.New(logger)
	pub := &fakeBroadcaster{}
	pool := worker.NewPool(2, 64, logger)
	actions := &fakeActions{}

	return &fixture{
		enforcer:  New(st, dict, pub, pool, actions, cfg, logger),
		state:     st,
		dict:      dict,
		actions:   actions,
		broadcast: pub,
		pool:      pool,
	}
}

func message(mid int64) *models.Message {
	return &models.Message{ChatID: -100500, MessageID: mid, UserID: 7, Date: time.Now().Unix()}
}

func TestTerminateDeclaredIsNoOp(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.enforcer.Terminate(message(1), models.CategoryShortLink))
	// The id is declared now, a re-delivery must not act again.
	assert.False(t, f.enforcer.Terminate(message(1), models.CategoryShortLink))

	f.drain()
	assert.Len(t, f.actions.deletes, 1)
	assert.Len(t, f.actions.forwards, 1)
}

func TestTerminateTrustedIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.state.SetAdmins(-100500, []int64{7})

	assert.False(t, f.enforcer.Terminate(message(1), models.CategoryShortLink))

	f.drain()
	assert.Empty(t, f.actions.deletes)
}

func TestTerminateWatchBanAlwaysBans(t *testing.T) {
	f := newFixture(t)
	f.state.AddWatch(7, models.WatchBan, time.Now().Unix()+1000)

	assert.True(t, f.enforcer.Terminate(message(1), models.CategoryShortLink))

	f.drain()
	assert.Equal(t, []int64{7}, f.actions.bans)
	assert.True(t, f.state.IsBadUser(7))
	require.Len(t, f.actions.forwards, 1)
	assert.Equal(t, LevelBan, f.actions.forwards[0].Level)
	assert.Equal(t, RuleWatchedUser, f.actions.forwards[0].Rule)
	// The fleet hears about the ban twice: the bad mark and the assist ask.
	assert.Equal(t, []int64{7}, f.broadcast.bad)
	assert.Equal(t, []string{"ban"}, f.broadcast.helps)
}

func TestTerminateHighScoreBans(t *testing.T) {
	f := newFixture(t)
	f.state.SetScore(7, "nospam", 2.0)
	f.state.SetScore(7, "lang", 1.5)

	assert.True(t, f.enforcer.Terminate(message(1), models.CategoryQRCode))

	f.drain()
	assert.Equal(t, []int64{7}, f.actions.bans)
	require.Len(t, f.actions.forwards, 1)
	assert.Equal(t, RuleHighScore, f.actions.forwards[0].Rule)
}

func TestTerminateBannedNameBans(t *testing.T) {
	f := newFixture(t)
	f.dict.Sync(dictionary.KindBan, []string{`casino`})

	m := message(1)
	m.FullName = "Best Casino Bonus"
	assert.True(t, f.enforcer.Terminate(m, models.CategoryTGLink))

	f.drain()
	assert.Equal(t, []int64{7}, f.actions.bans)
	require.Len(t, f.actions.forwards, 1)
	assert.Equal(t, RuleNameExamine, f.actions.forwards[0].Rule)
}

func TestTerminateExceptNameSkipsNameBan(t *testing.T) {
	f := newFixture(t)
	f.dict.Sync(dictionary.KindBan, []string{`casino`})
	f.state.AddExceptContent(true, "Best Casino Bonus")

	m := message(1)
	m.FullName = "Best Casino Bonus"
	assert.True(t, f.enforcer.Terminate(m, models.CategoryTGLink))

	f.drain()
	// Falls through to the plain delete branch instead.
	assert.Empty(t, f.actions.bans)
	assert.False(t, f.state.IsBadUser(7))
}

func TestTerminateBrandNewAccountExecutableEscalates(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()
	f.state.RecordJoin(-100999, 7, now-60)

	assert.True(t, f.enforcer.Terminate(message(1), models.CategoryExe))

	f.drain()
	// Escalation deletes and upgrades to a watch ban, it never bans outright.
	assert.Empty(t, f.actions.bans)
	assert.False(t, f.state.IsBadUser(7))
	assert.True(t, f.state.IsWatched(7, models.WatchBan, now))
	require.Len(t, f.actions.forwards, 1)
	assert.Equal(t, LevelGlobalDelete, f.actions.forwards[0].Level)
	assert.Equal(t, RuleOpUpgrade, f.actions.forwards[0].Rule)
}

func TestTerminateOldAccountExecutableStaysCustomRule(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()
	f.state.RecordJoin(-100500, 7, now-86400*30)

	assert.True(t, f.enforcer.Terminate(message(1), models.CategoryExe))

	f.drain()
	require.Len(t, f.actions.forwards, 1)
	assert.Equal(t, LevelDelete, f.actions.forwards[0].Level)
	assert.Equal(t, RuleCustom, f.actions.forwards[0].Rule)
}

func TestTerminateRepeatDetectionDeletesWithoutEvidence(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.enforcer.Terminate(message(1), models.CategoryShortLink))
	assert.True(t, f.enforcer.Terminate(message(2), models.CategoryShortLink))

	f.drain()
	assert.Len(t, f.actions.deletes, 2)
	// Only the first offense this cycle produces evidence.
	assert.Len(t, f.actions.forwards, 1)
}

func TestTerminateRecordedContentMarksDetection(t *testing.T) {
	f := newFixture(t)

	// First offense arrives as already-recorded content: delete without
	// evidence, but the user is marked detected.
	assert.True(t, f.enforcer.Terminate(message(1), models.CategoryTrue))
	assert.Equal(t, 1, f.state.DetectedGroups(7))

	// The next fresh offense must not produce a second evidence forward.
	assert.True(t, f.enforcer.Terminate(message(2), models.CategoryShortLink))

	f.drain()
	assert.Len(t, f.actions.deletes, 2)
	assert.Empty(t, f.actions.forwards)
}

func TestTerminateScoreBumpOncePerGroup(t *testing.T) {
	f := newFixture(t)

	f.enforcer.Terminate(message(1), models.CategoryShortLink)
	f.enforcer.Terminate(message(2), models.CategoryShortLink)
	f.drain()

	assert.Equal(t, 1, f.state.DetectedGroups(7))
}

func TestTerminateContentFilterSessionDedup(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.enforcer.Terminate(message(1), models.CategoryVideo))
	assert.True(t, f.enforcer.Terminate(message(2), models.CategoryVideo))

	f.drain()
	assert.Len(t, f.actions.deletes, 2)
	assert.Len(t, f.actions.forwards, 1)
	assert.False(t, f.state.IsBadUser(7))
	assert.Equal(t, 0, f.state.DetectedGroups(7))
}
