package models

// Category identifies a detection result. The three-letter codes follow the
// fleet-wide convention so evidence records stay comparable across services.
type Category string

const (
	CategoryNone Category = ""

	// Media and service types
	CategoryContact  Category = "con"
	CategoryLocation Category = "loc"
	CategoryRoundVid Category = "vdn"
	CategoryVoice    Category = "voi"
	CategoryAnimated Category = "ast"
	CategoryAudio    Category = "aud"
	CategoryCommand  Category = "bmd"
	CategoryDocument Category = "doc"
	CategoryGame     Category = "gam"
	CategoryGIF      Category = "gif"
	CategoryViaBot   Category = "via"
	CategoryVideo    Category = "vid"
	CategoryService  Category = "ser"
	CategorySticker  Category = "sti"
	CategoryForward  Category = "fwd"

	// Script ranges
	CategoryArabic Category = "ara"
	CategoryHangul Category = "han"

	// Spam patterns
	CategoryAffLink   Category = "aff"
	CategoryEmoji     Category = "emo"
	CategoryExe       Category = "exe"
	CategoryIMLink    Category = "iml"
	CategoryPhone     Category = "pho"
	CategoryShortLink Category = "sho"
	CategoryTGLink    Category = "tgl"
	CategoryTGProxy   Category = "tgp"
	CategoryQRCode    Category = "qrc"

	// CategoryTrue marks content that was recorded as banned before, without
	// naming the original rule.
	CategoryTrue Category = "true"

	// Function switches, never returned by the classifier
	CategorySelfDelete  Category = "sde"
	CategoryCleanMember Category = "tcl"
	CategoryTimedDelete Category = "ttd"
)

// AllCategories lists every filter that can be toggled per group, in the
// order the config keyboard shows them.
var AllCategories = []Category{
	CategoryContact, CategoryLocation, CategoryRoundVid, CategoryVoice,
	CategoryAnimated, CategoryAudio, CategoryCommand, CategoryDocument,
	CategoryGame, CategoryGIF, CategoryViaBot, CategoryVideo,
	CategoryService, CategorySticker, CategoryForward,
	CategoryArabic, CategoryHangul,
	CategoryAffLink, CategoryEmoji, CategoryExe, CategoryIMLink,
	CategoryPhone, CategoryShortLink, CategoryTGLink, CategoryTGProxy,
	CategoryQRCode,
}

// FunctionCategories are per-group feature switches rather than filters.
var FunctionCategories = []Category{
	CategorySelfDelete, CategoryCleanMember, CategoryTimedDelete,
}

var spamCategories = map[Category]bool{
	CategoryAffLink:   true,
	CategoryEmoji:     true,
	CategoryExe:       true,
	CategoryIMLink:    true,
	CategoryPhone:     true,
	CategoryShortLink: true,
	CategoryTGLink:    true,
	CategoryTGProxy:   true,
	CategoryQRCode:    true,
	CategoryTrue:      true,
}

// IsSpam reports whether the category is subject to the escalating
// ban/delete/score logic instead of the plain content filters.
func (c Category) IsSpam() bool {
	return spamCategories[c]
}

// Valid reports whether the category names a known filter or function switch.
func (c Category) Valid() bool {
	for _, k := range AllCategories {
		if c == k {
			return true
		}
	}
	for _, k := range FunctionCategories {
		if c == k {
			return true
		}
	}
	return false
}

// GroupConfig holds one group's filter switches. Created lazily on first
// interaction and mutated by admin commands or remote config commits; a reset
// restores DefaultGroupConfig.
type GroupConfig struct {
	GroupID  int64             `json:"group_id"`
	Default  bool              `json:"default"`
	Lock     int64             `json:"lock"`
	Delete   bool              `json:"delete"`
	Restrict bool              `json:"restrict"`
	Friend   bool              `json:"friend"`
	Filters  map[Category]bool `json:"filters"`
}

// DefaultGroupConfig returns the baseline configuration for a group.
func DefaultGroupConfig(gid int64) *GroupConfig {
	return &GroupConfig{
		GroupID: gid,
		Default: true,
		Delete:  true,
		Friend:  true,
		Filters: map[Category]bool{
			CategoryContact:  true,
			CategoryLocation: true,
			CategoryRoundVid: true,
			CategoryVoice:    true,
			CategoryCommand:  true,
			CategoryService:  true,
		},
	}
}

// Enabled reports whether a filter is switched on for the group.
func (c *GroupConfig) Enabled(cat Category) bool {
	return c.Filters[cat]
}

// Clone returns a deep copy, used when staging a config change that may be
// rejected.
func (c *GroupConfig) Clone() *GroupConfig {
	filters := make(map[Category]bool, len(c.Filters))
	for k, v := range c.Filters {
		filters[k] = v
	}
	clone := *c
	clone.Filters = filters
	return &clone
}

// WatchKind distinguishes the two escalation levels of a watch entry.
type WatchKind string

const (
	WatchBan    WatchKind = "ban"
	WatchDelete WatchKind = "delete"
)

// UserStatus aggregates a user's reputation across the fleet.
type UserStatus struct {
	UserID int64 `json:"user_id"`
	// Detected maps group id to the unix time of the last detection there.
	Detected map[int64]int64 `json:"detected"`
	// Join maps group id to the unix time the user joined.
	Join map[int64]int64 `json:"join"`
	// Score maps service name to the score that service reported last.
	Score map[string]float64 `json:"score"`
}

// NewUserStatus returns an empty status record.
func NewUserStatus(uid int64) *UserStatus {
	return &UserStatus{
		UserID:   uid,
		Detected: make(map[int64]int64),
		Join:     make(map[int64]int64),
		Score:    make(map[string]float64),
	}
}

// TotalScore sums the per-service scores.
func (u *UserStatus) TotalScore() float64 {
	var total float64
	for _, s := range u.Score {
		total += s
	}
	return total
}

// PurgeMarker brackets a pending range delete.
type PurgeMarker struct {
	BeginID int64 `json:"begin_id"`
	BeginAt int64 `json:"begin_at"`
}

// GroupMessageIDs tracks per-group message ids that need later cleanup.
type GroupMessageIDs struct {
	// Purge is the one-shot range-delete marker, cleared after use.
	Purge PurgeMarker `json:"purge"`
	// Service is the id of the last kept service message.
	Service int64 `json:"service"`
	// Stickers maps tracked sticker/animation message ids to arrival time.
	Stickers map[int64]int64 `json:"stickers"`
}

// NewGroupMessageIDs returns an empty tracker.
func NewGroupMessageIDs() *GroupMessageIDs {
	return &GroupMessageIDs{Stickers: make(map[int64]int64)}
}

// Message is the normalized view of an inbound group message. Handlers build
// it from the transport update; the classifier and enforcer never touch the
// transport types directly.
type Message struct {
	ChatID    int64
	MessageID int64
	UserID    int64
	Date      int64

	Text        string
	Links       []string
	Mentions    []string
	IsCommand   bool
	IsService   bool
	IsForward   bool
	ViaBot      bool
	FullName    string
	ForwardName string
	// ForwardChannelID is set when the message was forwarded from a channel.
	ForwardChannelID int64
	// ChannelLink is the public link of the forward origin, used by the
	// friend-link bypass.
	ChannelLink string

	HasContact  bool
	HasLocation bool
	HasRoundVid bool
	HasVoice    bool
	HasAudio    bool
	HasGame     bool
	HasGIF      bool
	HasVideo    bool
	HasPhoto    bool

	Sticker         bool
	StickerAnimated bool

	HasDocument  bool
	DocumentName string
	DocumentMime string
	DocumentSize int64

	// FileID references downloadable media for the QR check.
	FileID   string
	FileSize int64
}

// Envelope is the fleet exchange message. Data stays raw so each handler can
// decode its own schema.
type Envelope struct {
	From   string      `json:"from"`
	To     []string    `json:"to"`
	Action string      `json:"action"`
	Type   string      `json:"type"`
	Data   interface{} `json:"data,omitempty"`
}
