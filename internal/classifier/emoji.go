package classifier

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forPelevin/gomoji"

	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/models"
)

// emojiChecker applies the density rules: a single configured "ad" or
// "watch-bait" emoji repeated past its limit, a configured set exceeding its
// aggregate limit, or simply too many emoji overall.
type emojiChecker struct {
	adSingle int
	adTotal  int
	wbSingle int
	wbTotal  int
	many     int
	ad       []string
	wb       []string
	protect  map[string]bool
}

func newEmojiChecker(cfg *config.EmojiConfig) *emojiChecker {
	protect := make(map[string]bool, len(cfg.Protect))
	for _, e := range cfg.Protect {
		protect[e] = true
	}
	return &emojiChecker{
		adSingle: cfg.AdSingle,
		adTotal:  cfg.AdTotal,
		wbSingle: cfg.WbSingle,
		wbTotal:  cfg.WbTotal,
		many:     cfg.Many,
		ad:       collapse(cfg.Ad),
		wb:       collapse(cfg.Wb),
		protect:  protect,
	}
}

// collapse drops configured emoji strings that are substrings of longer
// configured strings, so a multi-rune emoji is never double counted through
// its components.
func collapse(emojis []string) []string {
	sorted := make([]string, len(emojis))
	copy(sorted, emojis)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	var kept []string
	for _, e := range sorted {
		covered := false
		for _, longer := range kept {
			if strings.Contains(longer, e) {
				covered = true
				break
			}
		}
		if !covered {
			kept = append(kept, e)
		}
	}
	return kept
}

func (ec *emojiChecker) check(m *models.Message, cfg *models.GroupConfig) (models.Category, string) {
	if !cfg.Enabled(models.CategoryEmoji) || m.Text == "" {
		return models.CategoryNone, ""
	}

	if detail := ec.checkSet(m.Text, ec.ad, ec.adSingle, ec.adTotal); detail != "" {
		return models.CategoryEmoji, detail
	}
	if detail := ec.checkSet(m.Text, ec.wb, ec.wbSingle, ec.wbTotal); detail != "" {
		return models.CategoryEmoji, detail
	}

	if ec.many > 0 {
		total := ec.countAll(m.Text)
		if total > ec.many {
			return models.CategoryEmoji, fmt.Sprintf("emoji total %d", total)
		}
	}
	return models.CategoryNone, ""
}

// checkSet counts occurrences of each configured emoji in the text. Longer
// strings are counted and removed first, so components of an already matched
// sequence never count again.
func (ec *emojiChecker) checkSet(text string, emojis []string, single, total int) string {
	remaining := text
	sum := 0
	for _, e := range emojis {
		count := strings.Count(remaining, e)
		if count == 0 {
			continue
		}
		if single > 0 && count > single {
			return fmt.Sprintf("emoji %s x%d", e, count)
		}
		sum += count
		remaining = strings.ReplaceAll(remaining, e, "")
	}
	if total > 0 && sum > total {
		return fmt.Sprintf("emoji total %d", sum)
	}
	return ""
}

// countAll counts every emoji in the text except the protected ones.
func (ec *emojiChecker) countAll(text string) int {
	seen := make(map[string]bool)
	count := 0
	for _, e := range gomoji.CollectAll(text) {
		if seen[e.Character] || ec.protect[e.Character] {
			continue
		}
		seen[e.Character] = true
		count += strings.Count(text, e.Character)
	}
	return count
}
