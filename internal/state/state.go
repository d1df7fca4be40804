package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/models"
	"github.com/tg-clean-bot-go/internal/services/storage"
)

// Collection names as persisted by the storage manager.
const (
	colAdmins     = "admin_ids"
	colBad        = "bad_ids"
	colExcept     = "except_ids"
	colMessageIDs = "message_ids"
	colUsers      = "user_ids"
	colWatch      = "watch_ids"
	colConfigs    = "configs"
)

type badRegistry struct {
	Users    map[int64]bool `json:"users"`
	Channels map[int64]bool `json:"channels"`
}

type exceptRegistry struct {
	Channels map[int64]bool  `json:"channels"`
	Long     map[string]bool `json:"long"`
	Temp     map[string]bool `json:"temp"`
}

// Manager owns every mutable registry of the bot. All access goes through
// accessor methods; callers never reach into the tables. Handlers serialize
// regular message processing behind their own lock, the internal mutex only
// protects against the scheduler and the exchange subscriber.
type Manager struct {
	mu sync.RWMutex

	admins     map[int64]map[int64]bool
	bad        badRegistry
	excepts    exceptRegistry
	users      map[int64]*models.UserStatus
	watch      map[models.WatchKind]map[int64]int64
	configs    map[int64]*models.GroupConfig
	messageIDs map[int64]*models.GroupMessageIDs

	// Session-scoped sets, reset by the scheduler, never persisted.
	declared map[int64]map[int64]bool
	recorded map[int64]map[int64]bool
	deleted  map[int64]map[int64]bool
	purged   map[int64]bool
	cleaned  map[int64]bool
	left     map[int64]bool

	botIDs   map[int64]bool
	scoreBan float64

	store  *storage.Manager
	logger *logrus.Logger
}

// NewManager creates an empty state manager backed by the given store.
func NewManager(store *storage.Manager, botIDs []int64, scoreBan float64, logger *logrus.Logger) *Manager {
	bots := make(map[int64]bool, len(botIDs))
	for _, id := range botIDs {
		bots[id] = true
	}
	return &Manager{
		admins: make(map[int64]map[int64]bool),
		bad: badRegistry{
			Users:    make(map[int64]bool),
			Channels: make(map[int64]bool),
		},
		excepts: exceptRegistry{
			Channels: make(map[int64]bool),
			Long:     make(map[string]bool),
			Temp:     make(map[string]bool),
		},
		users: make(map[int64]*models.UserStatus),
		watch: map[models.WatchKind]map[int64]int64{
			models.WatchBan:    make(map[int64]int64),
			models.WatchDelete: make(map[int64]int64),
		},
		configs:    make(map[int64]*models.GroupConfig),
		messageIDs: make(map[int64]*models.GroupMessageIDs),
		declared:   make(map[int64]map[int64]bool),
		recorded:   make(map[int64]map[int64]bool),
		deleted:    make(map[int64]map[int64]bool),
		purged:     make(map[int64]bool),
		cleaned:    make(map[int64]bool),
		left:       make(map[int64]bool),
		botIDs:     bots,
		scoreBan:   scoreBan,
		store:      store,
		logger:     logger,
	}
}

// Load restores every persisted collection. Any unrecoverable collection is
// fatal: the process must not run with partially loaded state.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	loads := []struct {
		name string
		v    interface{}
	}{
		{colAdmins, &m.admins},
		{colBad, &m.bad},
		{colExcept, &m.excepts},
		{colMessageIDs, &m.messageIDs},
		{colUsers, &m.users},
		{colWatch, &m.watch},
		{colConfigs, &m.configs},
	}
	for _, l := range loads {
		if err := m.store.Load(ctx, l.name, l.v); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) save(name string, v interface{}) {
	if err := m.store.Save(context.Background(), name, v); err != nil {
		m.logger.WithError(err).WithField("collection", name).Error("Failed to persist collection")
	}
}

// Admin list

// SetAdmins replaces a group's admin set.
func (m *Manager) SetAdmins(gid int64, uids []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := make(map[int64]bool, len(uids))
	for _, uid := range uids {
		set[uid] = true
	}
	m.admins[gid] = set
	m.save(colAdmins, m.admins)
}

// IsAdmin reports whether the user administers the group.
func (m *Manager) IsAdmin(gid, uid int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admins[gid][uid]
}

// IsTrusted reports whether the sender is exempt from enforcement: a group
// admin or a cooperating fleet bot.
func (m *Manager) IsTrusted(gid, uid int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admins[gid][uid] || m.botIDs[uid]
}

// HasNospam reports whether the NOSPAM service administers the group, which
// makes this bot defer spam-text handling to it.
func (m *Manager) HasNospam(gid, nospamID int64) bool {
	if nospamID == 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admins[gid][nospamID]
}

// AdminGroups returns every group with a known admin list.
func (m *Manager) AdminGroups() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gids := make([]int64, 0, len(m.admins))
	for gid := range m.admins {
		gids = append(gids, gid)
	}
	return gids
}

// Bad registry

// AddBadUser records a globally banned user. Returns false when the user was
// already present, keeping the fleet broadcast idempotent.
func (m *Manager) AddBadUser(uid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bad.Users[uid] {
		return false
	}
	m.bad.Users[uid] = true
	m.save(colBad, m.bad)
	return true
}

// RemoveBadUser drops a user from the bad registry, clears both watch kinds
// and resets the reputation record.
func (m *Manager) RemoveBadUser(uid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.bad.Users, uid)
	delete(m.watch[models.WatchBan], uid)
	delete(m.watch[models.WatchDelete], uid)
	if _, ok := m.users[uid]; ok {
		m.users[uid] = models.NewUserStatus(uid)
	}
	m.save(colBad, m.bad)
	m.save(colWatch, m.watch)
	m.save(colUsers, m.users)
}

// AddBadChannel records a globally banned channel.
func (m *Manager) AddBadChannel(cid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bad.Channels[cid] = true
	m.save(colBad, m.bad)
}

// RemoveBadChannel drops a channel from the bad registry.
func (m *Manager) RemoveBadChannel(cid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bad.Channels, cid)
	m.save(colBad, m.bad)
}

// IsBadUser reports bad-registry membership.
func (m *Manager) IsBadUser(uid int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bad.Users[uid]
}

// IsBadChannel reports bad-registry membership.
func (m *Manager) IsBadChannel(cid int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bad.Channels[cid]
}

// ClearBadUsers empties the bad user set.
func (m *Manager) ClearBadUsers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bad.Users = make(map[int64]bool)
	m.save(colBad, m.bad)
}

// ClearBadChannels empties the bad channel set.
func (m *Manager) ClearBadChannels() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bad.Channels = make(map[int64]bool)
	m.save(colBad, m.bad)
}

// Exception registry

// AddExceptChannel whitelists a channel.
func (m *Manager) AddExceptChannel(cid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excepts.Channels[cid] = true
	m.save(colExcept, m.excepts)
}

// RemoveExceptChannel removes a channel from the whitelist.
func (m *Manager) RemoveExceptChannel(cid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.excepts.Channels, cid)
	m.save(colExcept, m.excepts)
}

// IsExceptChannel reports whitelist membership.
func (m *Manager) IsExceptChannel(cid int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.excepts.Channels[cid]
}

// AddExceptContent whitelists a content fingerprint or name, either long
// term or until the next temp reset.
func (m *Manager) AddExceptContent(longTerm bool, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if longTerm {
		m.excepts.Long[content] = true
	} else {
		m.excepts.Temp[content] = true
	}
	m.save(colExcept, m.excepts)
}

// RemoveExceptContent removes a content entry from both lists.
func (m *Manager) RemoveExceptContent(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.excepts.Long, content)
	delete(m.excepts.Temp, content)
	m.save(colExcept, m.excepts)
}

// IsExceptContent reports whether content is whitelisted by either list.
func (m *Manager) IsExceptContent(content string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.excepts.Long[content] || m.excepts.Temp[content]
}

// IsExceptName reports long-term whitelist membership for a display name.
func (m *Manager) IsExceptName(name string) bool {
	if name == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.excepts.Long[name]
}

// ResetTempExcepts clears the temporary exception list.
func (m *Manager) ResetTempExcepts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excepts.Temp = make(map[string]bool)
	m.save(colExcept, m.excepts)
}

// ClearExcepts empties one exception list by name: "channels", "long", "temp".
func (m *Manager) ClearExcepts(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case "channels":
		m.excepts.Channels = make(map[int64]bool)
	case "long":
		m.excepts.Long = make(map[string]bool)
	case "temp":
		m.excepts.Temp = make(map[string]bool)
	}
	m.save(colExcept, m.excepts)
}

// Group config

// Config returns the group's configuration, creating the default lazily.
func (m *Manager) Config(gid int64) *models.GroupConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[gid]
	if !ok {
		cfg = models.DefaultGroupConfig(gid)
		m.configs[gid] = cfg
		m.save(colConfigs, m.configs)
	}
	return cfg.Clone()
}

// SetConfig replaces the group's configuration.
func (m *Manager) SetConfig(gid int64, cfg *models.GroupConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.GroupID = gid
	m.configs[gid] = cfg.Clone()
	m.save(colConfigs, m.configs)
}

// LockConfig stamps the group's config lock if the previous lock is older
// than window seconds. Returns false while still locked.
func (m *Manager) LockConfig(gid, now, window int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[gid]
	if !ok {
		cfg = models.DefaultGroupConfig(gid)
		m.configs[gid] = cfg
	}
	if now-cfg.Lock < window {
		return false
	}
	cfg.Lock = now
	m.save(colConfigs, m.configs)
	return true
}

// ConfigGroups returns every configured group id.
func (m *Manager) ConfigGroups() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gids := make([]int64, 0, len(m.configs))
	for gid := range m.configs {
		gids = append(gids, gid)
	}
	return gids
}

// Watch registry

// IsWatched reports whether an active, unexpired watch entry of the kind
// exists.
func (m *Manager) IsWatched(uid int64, kind models.WatchKind, now int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.watch[kind][uid]
	return ok && until > now
}

// AddWatch sets a watch entry expiring at until, overwriting any prior entry
// of the same kind.
func (m *Manager) AddWatch(uid int64, kind models.WatchKind, until int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watch[kind][uid] = until
	m.save(colWatch, m.watch)
}

// RemoveWatch drops both watch kinds for the user.
func (m *Manager) RemoveWatch(uid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watch[models.WatchBan], uid)
	delete(m.watch[models.WatchDelete], uid)
	m.save(colWatch, m.watch)
}

// ClearWatch empties one watch kind.
func (m *Manager) ClearWatch(kind models.WatchKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watch[kind] = make(map[int64]int64)
	m.save(colWatch, m.watch)
}

// Reputation

func (m *Manager) userLocked(uid int64) *models.UserStatus {
	u, ok := m.users[uid]
	if !ok {
		u = models.NewUserStatus(uid)
		m.users[uid] = u
	}
	return u
}

// SetScore stores the score one service reported for a user. Later reports
// from the same service overwrite, never sum.
func (m *Manager) SetScore(uid int64, service string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userLocked(uid).Score[service] = score
	m.save(colUsers, m.users)
}

// HighScore returns the aggregate score when it reaches the ban threshold,
// zero otherwise.
func (m *Manager) HighScore(uid int64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[uid]
	if !ok {
		return 0
	}
	if total := u.TotalScore(); total >= m.scoreBan {
		return total
	}
	return 0
}

// RecordDetection upserts the user's detection timestamp for the group and
// reports whether a prior detection existed, so score increments happen only
// once per group and user.
func (m *Manager) RecordDetection(gid, uid, now int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.userLocked(uid)
	_, previous := u.Detected[gid]
	u.Detected[gid] = now
	m.save(colUsers, m.users)
	return previous
}

// DetectedGroups returns how many groups hold a detection record for the
// user, the input of the score formula.
func (m *Manager) DetectedGroups(uid int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[uid]
	if !ok {
		return 0
	}
	return len(u.Detected)
}

// IsDetected reports whether the user has a recorded detection in the group.
func (m *Manager) IsDetected(gid, uid int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[uid]
	return ok && u.Detected[gid] != 0
}

// RecordJoin stores the time a user joined a group.
func (m *Manager) RecordJoin(gid, uid, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userLocked(uid).Join[gid] = now
	m.save(colUsers, m.users)
}

// IsNewUser reports whether the user joined the given group within window
// seconds of now. With gid zero, any group counts: the account is new to
// the whole fleet.
func (m *Manager) IsNewUser(gid, uid, now, window int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[uid]
	if !ok {
		return false
	}
	if gid != 0 {
		joined := u.Join[gid]
		return joined != 0 && now-joined < window
	}
	for _, joined := range u.Join {
		if joined != 0 && now-joined < window {
			return true
		}
	}
	return false
}

// ResetUser restores a user's reputation record to the default.
func (m *Manager) ResetUser(uid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[uid]; ok {
		m.users[uid] = models.NewUserStatus(uid)
		m.save(colUsers, m.users)
	}
}

// ClearUsers drops every reputation record.
func (m *Manager) ClearUsers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[int64]*models.UserStatus)
	m.save(colUsers, m.users)
}

// Declared messages

// Declare marks a message id as handled by this or a sibling bot.
func (m *Manager) Declare(gid, mid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.declared[gid] == nil {
		m.declared[gid] = make(map[int64]bool)
	}
	m.declared[gid][mid] = true
}

// IsDeclared reports whether the message id was already claimed.
func (m *Manager) IsDeclared(gid, mid int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.declared[gid][mid]
}

// Session sets

// Record adds the user to the group's already-reported set for this session.
func (m *Manager) Record(gid, uid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorded[gid] == nil {
		m.recorded[gid] = make(map[int64]bool)
	}
	m.recorded[gid][uid] = true
}

// IsRecorded reports already-reported membership for this session.
func (m *Manager) IsRecorded(gid, uid int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recorded[gid][uid]
}

// MarkSelfDeleted notes a served /dafm request. Returns false when the user
// already used it this session.
func (m *Manager) MarkSelfDeleted(gid, uid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted[gid] == nil {
		m.deleted[gid] = make(map[int64]bool)
	}
	if m.deleted[gid][uid] {
		return false
	}
	m.deleted[gid][uid] = true
	return true
}

// TryPurge acquires the group's one-shot purge guard. Returns false while a
// purge already ran this session.
func (m *Manager) TryPurge(gid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.purged[gid] {
		return false
	}
	m.purged[gid] = true
	return true
}

// TryClean acquires the group's one-shot clean guard.
func (m *Manager) TryClean(gid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleaned[gid] {
		return false
	}
	m.cleaned[gid] = true
	return true
}

// ResetSessions clears the session-scoped sets. Called every ten minutes.
func (m *Manager) ResetSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = make(map[int64]map[int64]bool)
	m.deleted = make(map[int64]map[int64]bool)
	m.purged = make(map[int64]bool)
	m.cleaned = make(map[int64]bool)
}

// Message id tracker

func (m *Manager) messageIDsLocked(gid int64) *models.GroupMessageIDs {
	ids, ok := m.messageIDs[gid]
	if !ok {
		ids = models.NewGroupMessageIDs()
		m.messageIDs[gid] = ids
	}
	return ids
}

// SetPurgeMarker stores the range-delete begin bracket.
func (m *Manager) SetPurgeMarker(gid, mid, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageIDsLocked(gid).Purge = models.PurgeMarker{BeginID: mid, BeginAt: now}
	m.save(colMessageIDs, m.messageIDs)
}

// PurgeMarker returns the pending bracket, if any.
func (m *Manager) PurgeMarker(gid int64) models.PurgeMarker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ids, ok := m.messageIDs[gid]; ok {
		return ids.Purge
	}
	return models.PurgeMarker{}
}

// ClearPurgeMarker resets the bracket after a completed purge.
func (m *Manager) ClearPurgeMarker(gid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageIDsLocked(gid).Purge = models.PurgeMarker{}
	m.save(colMessageIDs, m.messageIDs)
}

// SwapServiceMessage stores the latest kept service message id and returns
// the previous one for deletion.
func (m *Manager) SwapServiceMessage(gid, mid int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.messageIDsLocked(gid)
	previous := ids.Service
	ids.Service = mid
	m.save(colMessageIDs, m.messageIDs)
	return previous
}

// TrackSticker records a sticker/animation message for timed deletion.
func (m *Manager) TrackSticker(gid, mid, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageIDsLocked(gid).Stickers[mid] = now
	m.save(colMessageIDs, m.messageIDs)
}

// PopExpiredStickers removes and returns tracked sticker ids older than the
// cutoff.
func (m *Manager) PopExpiredStickers(gid, cutoff int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.messageIDs[gid]
	if !ok {
		return nil
	}
	var expired []int64
	for mid, at := range ids.Stickers {
		if at <= cutoff {
			expired = append(expired, mid)
			delete(ids.Stickers, mid)
		}
	}
	if len(expired) > 0 {
		m.save(colMessageIDs, m.messageIDs)
	}
	return expired
}

// TakeStickers removes and returns every tracked sticker id for the group.
func (m *Manager) TakeStickers(gid int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.messageIDs[gid]
	if !ok {
		return nil
	}
	mids := make([]int64, 0, len(ids.Stickers))
	for mid := range ids.Stickers {
		mids = append(mids, mid)
	}
	ids.Stickers = make(map[int64]int64)
	m.save(colMessageIDs, m.messageIDs)
	return mids
}

// Group lifecycle

// MarkLeft remembers that the bot left a group on purpose.
func (m *Manager) MarkLeft(gid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.left[gid] = true
}

// ClearLeft forgets the left mark, on an authorized re-invite.
func (m *Manager) ClearLeft(gid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.left, gid)
}

// WasLeft reports whether the bot previously left the group.
func (m *Manager) WasLeft(gid int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.left[gid]
}

// RemoveGroup drops every per-group table entry after leaving.
func (m *Manager) RemoveGroup(gid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.admins, gid)
	delete(m.configs, gid)
	delete(m.messageIDs, gid)
	delete(m.declared, gid)
	delete(m.recorded, gid)
	delete(m.deleted, gid)
	delete(m.purged, gid)
	delete(m.cleaned, gid)
	m.save(colAdmins, m.admins)
	m.save(colConfigs, m.configs)
	m.save(colMessageIDs, m.messageIDs)
}

// MonthlyReset clears the accumulated reputation data: bad ids, user
// records, watch entries and temporary exceptions.
func (m *Manager) MonthlyReset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bad = badRegistry{
		Users:    make(map[int64]bool),
		Channels: make(map[int64]bool),
	}
	m.users = make(map[int64]*models.UserStatus)
	m.watch = map[models.WatchKind]map[int64]int64{
		models.WatchBan:    make(map[int64]int64),
		models.WatchDelete: make(map[int64]int64),
	}
	m.excepts.Temp = make(map[string]bool)
	m.save(colBad, m.bad)
	m.save(colUsers, m.users)
	m.save(colWatch, m.watch)
	m.save(colExcept, m.excepts)
}

// KnownUsers returns the users whose status references the group, either by
// a recorded join or a detection there. The member cleanup can only reach
// accounts the bot has actually seen.
func (m *Manager) KnownUsers(gid int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uids := make([]int64, 0, len(m.users))
	for uid, status := range m.users {
		if _, ok := status.Join[gid]; ok {
			uids = append(uids, uid)
			continue
		}
		if _, ok := status.Detected[gid]; ok {
			uids = append(uids, uid)
		}
	}
	return uids
}

// WatchedCount returns how many users hold an unexpired watch entry.
func (m *Manager) WatchedCount(now int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[int64]bool)
	for _, entries := range m.watch {
		for uid, until := range entries {
			if until > now {
				seen[uid] = true
			}
		}
	}
	return len(seen)
}

// Rollback replaces one persisted collection with a snapshot restored from a
// backup, then persists the restored copy.
func (m *Manager) Rollback(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case colBad:
		fresh := badRegistry{
			Users:    make(map[int64]bool),
			Channels: make(map[int64]bool),
		}
		if err := json.Unmarshal(data, &fresh); err != nil {
			return fmt.Errorf("rollback %s: %w", name, err)
		}
		m.bad = fresh
		m.save(colBad, m.bad)
	case colExcept:
		fresh := exceptRegistry{
			Channels: make(map[int64]bool),
			Long:     make(map[string]bool),
			Temp:     make(map[string]bool),
		}
		if err := json.Unmarshal(data, &fresh); err != nil {
			return fmt.Errorf("rollback %s: %w", name, err)
		}
		m.excepts = fresh
		m.save(colExcept, m.excepts)
	case colUsers:
		fresh := make(map[int64]*models.UserStatus)
		if err := json.Unmarshal(data, &fresh); err != nil {
			return fmt.Errorf("rollback %s: %w", name, err)
		}
		m.users = fresh
		m.save(colUsers, m.users)
	case colWatch:
		fresh := make(map[models.WatchKind]map[int64]int64)
		if err := json.Unmarshal(data, &fresh); err != nil {
			return fmt.Errorf("rollback %s: %w", name, err)
		}
		for _, kind := range []models.WatchKind{models.WatchBan, models.WatchDelete} {
			if fresh[kind] == nil {
				fresh[kind] = make(map[int64]int64)
			}
		}
		m.watch = fresh
		m.save(colWatch, m.watch)
	case colConfigs:
		fresh := make(map[int64]*models.GroupConfig)
		if err := json.Unmarshal(data, &fresh); err != nil {
			return fmt.Errorf("rollback %s: %w", name, err)
		}
		m.configs = fresh
		m.save(colConfigs, m.configs)
	default:
		return fmt.Errorf("rollback: unknown collection %q", name)
	}
	return nil
}
