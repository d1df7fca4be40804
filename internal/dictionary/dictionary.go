package dictionary

import (
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"
)

// Kind is a closed enum of pattern categories. The dictionary is indexed by
// Kind only; no category is ever addressed by an interpolated name.
type Kind string

const (
	KindAd        Kind = "ad"
	KindAff       Kind = "aff"
	KindBan       Kind = "ban"
	KindContact   Kind = "con"
	KindDelete    Kind = "del"
	KindFilter    Kind = "fil"
	KindIM        Kind = "iml"
	KindName      Kind = "nm"
	KindPhone     Kind = "pho"
	KindShort     Kind = "sho"
	KindSpecChar  Kind = "spc"
	KindSpecWord  Kind = "spe"
	KindSticker   Kind = "sti"
	KindTGLink    Kind = "tgl"
	KindTGProxy   Kind = "tgp"
	KindWatchBait Kind = "wb"
)

// AllKinds lists every pattern category the fleet syncs.
var AllKinds = []Kind{
	KindAd, KindAff, KindBan, KindContact, KindDelete, KindFilter,
	KindIM, KindName, KindPhone, KindShort, KindSpecChar, KindSpecWord,
	KindSticker, KindTGLink, KindTGProxy, KindWatchBait,
}

type entry struct {
	re    *regexp.Regexp
	count int64
}

// Dictionary holds the synced pattern sets with per-pattern usage counters.
// All access goes through the internal lock so live classification and the
// periodic count flush never race.
type Dictionary struct {
	mu     sync.Mutex
	words  map[Kind]map[string]*entry
	logger *logrus.Logger
}

// New returns an empty dictionary.
func New(logger *logrus.Logger) *Dictionary {
	words := make(map[Kind]map[string]*entry, len(AllKinds))
	for _, k := range AllKinds {
		words[k] = make(map[string]*entry)
	}
	return &Dictionary{words: words, logger: logger}
}

// Match reports whether text matches any pattern of the kind, incrementing
// the matched pattern's usage counter.
func (d *Dictionary) Match(kind Kind, text string) bool {
	if text == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.words[kind] {
		if e.re == nil {
			continue
		}
		if e.re.MatchString(text) {
			e.count++
			return true
		}
	}
	return false
}

// Sync replaces the kind's pattern set. Patterns that survive the sync keep
// their counters; new patterns start at zero. Patterns that fail to compile
// are skipped.
func (d *Dictionary) Sync(kind Kind, patterns []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string]*entry, len(patterns))
	for _, p := range patterns {
		if old, ok := d.words[kind][p]; ok {
			next[p] = old
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			d.logger.WithError(err).WithField("pattern", p).Warn("Skipping invalid pattern")
			continue
		}
		next[p] = &entry{re: re}
	}
	d.words[kind] = next
}

// Flush returns the kind's usage counts and zeroes them.
func (d *Dictionary) Flush(kind Kind) map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	counts := make(map[string]int64, len(d.words[kind]))
	for p, e := range d.words[kind] {
		counts[p] = e.count
		e.count = 0
	}
	return counts
}

// Export snapshots the kind's counts without resetting, for persistence.
func (d *Dictionary) Export(kind Kind) map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	counts := make(map[string]int64, len(d.words[kind]))
	for p, e := range d.words[kind] {
		counts[p] = e.count
	}
	return counts
}

// Restore loads a persisted pattern/count snapshot for the kind.
func (d *Dictionary) Restore(kind Kind, counts map[string]int64) {
	patterns := make([]string, 0, len(counts))
	for p := range counts {
		patterns = append(patterns, p)
	}
	d.Sync(kind, patterns)

	d.mu.Lock()
	defer d.mu.Unlock()
	for p, c := range counts {
		if e, ok := d.words[kind][p]; ok {
			e.count = c
		}
	}
}
