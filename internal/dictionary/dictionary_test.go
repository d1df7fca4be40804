package dictionary

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestMatchIncrementsCounter(t *testing.T) {
	d := New(logrus.New())
	d.Sync(KindShort, []string{`bit\.ly/\w+`, `goo\.gl/\w+`})

	assert.True(t, d.Match(KindShort, "check https://bit.ly/abc"))
	assert.True(t, d.Match(KindShort, "check https://BIT.LY/xyz"))
	assert.False(t, d.Match(KindShort, "nothing here"))
	assert.False(t, d.Match(KindTGLink, "check https://bit.ly/abc"))

	counts := d.Export(KindShort)
	assert.Equal(t, int64(2), counts[`bit\.ly/\w+`])
	assert.Equal(t, int64(0), counts[`goo\.gl/\w+`])
}

func TestSyncKeepsSurvivorCounts(t *testing.T) {
	d := New(logrus.New())
	d.Sync(KindAff, []string{`ref=\d+`, `aff_id=\d+`})
	d.Match(KindAff, "https://shop.example?ref=123")

	// The survivor keeps its counter, the removed pattern is gone, the new
	// one starts at zero.
	d.Sync(KindAff, []string{`ref=\d+`, `invite=\w+`})

	counts := d.Export(KindAff)
	assert.Equal(t, int64(1), counts[`ref=\d+`])
	assert.Equal(t, int64(0), counts[`invite=\w+`])
	assert.NotContains(t, counts, `aff_id=\d+`)
}

func TestSyncSkipsInvalidPatterns(t *testing.T) {
	d := New(logrus.New())
	d.Sync(KindPhone, []string{`\d{11}`, `([unclosed`})

	assert.True(t, d.Match(KindPhone, "call 13800138000"))
	assert.NotContains(t, d.Export(KindPhone), `([unclosed`)
}

func TestFlushZeroesCounters(t *testing.T) {
	d := New(logrus.New())
	d.Sync(KindIM, []string{`wa\.me/\d+`})
	d.Match(KindIM, "https://wa.me/123456")

	counts := d.Flush(KindIM)
	assert.Equal(t, int64(1), counts[`wa\.me/\d+`])

	counts = d.Flush(KindIM)
	assert.Equal(t, int64(0), counts[`wa\.me/\d+`])
}

func TestRestore(t *testing.T) {
	d := New(logrus.New())
	d.Restore(KindBan, map[string]int64{`free.?money`: 7})

	assert.Equal(t, int64(7), d.Export(KindBan)[`free.?money`])
	assert.True(t, d.Match(KindBan, "FREE MONEY now"))
	assert.Equal(t, int64(8), d.Export(KindBan)[`free.?money`])
}
