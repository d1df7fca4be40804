package exchange

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tg-clean-bot-go/internal/models"
)

func TestDispatchRoutesOnTriple(t *testing.T) {
	d := NewDispatcher("CLEAN", logrus.New())

	var got []string
	d.Register("NOSPAM", "update", "score", func(ctx context.Context, env *models.Envelope) error {
		got = append(got, env.From)
		return nil
	})

	d.Dispatch(context.Background(), &models.Envelope{
		From: "NOSPAM", To: []string{"CLEAN"}, Action: "update", Type: "score",
	})
	assert.Equal(t, []string{"NOSPAM"}, got)

	// Same triple from an unregistered sender is dropped: the table is the
	// permission matrix.
	d.Dispatch(context.Background(), &models.Envelope{
		From: "EVIL", To: []string{"CLEAN"}, Action: "update", Type: "score",
	})
	assert.Len(t, got, 1)
}

func TestDispatchChecksRecipient(t *testing.T) {
	d := NewDispatcher("CLEAN", logrus.New())

	called := 0
	d.Register("MANAGE", "clear", "data", func(ctx context.Context, env *models.Envelope) error {
		called++
		return nil
	})

	d.Dispatch(context.Background(), &models.Envelope{
		From: "MANAGE", To: []string{"LANG"}, Action: "clear", Type: "data",
	})
	assert.Equal(t, 0, called)

	d.Dispatch(context.Background(), &models.Envelope{
		From: "MANAGE", To: []string{"ALL"}, Action: "clear", Type: "data",
	})
	assert.Equal(t, 1, called)
}

func TestDispatchSurvivesHandlerError(t *testing.T) {
	d := NewDispatcher("CLEAN", logrus.New())

	d.Register("REGEX", "regex", "update", func(ctx context.Context, env *models.Envelope) error {
		return assert.AnError
	})

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), &models.Envelope{
			From: "REGEX", To: []string{"CLEAN"}, Action: "regex", Type: "update",
		})
	})
}

func TestDecodeData(t *testing.T) {
	env := &models.Envelope{
		Data: map[string]interface{}{"id": float64(42), "type": "ban", "until": float64(1000)},
	}

	var p WatchPayload
	require.NoError(t, DecodeData(env, &p))
	assert.Equal(t, int64(42), p.ID)
	assert.Equal(t, "ban", p.Type)
	assert.Equal(t, int64(1000), p.Until)
}

func TestPublisherWithoutClientDropsSilently(t *testing.T) {
	p := &Publisher{sender: "CLEAN", logger: logrus.New()}
	assert.NoError(t, p.ShareBadUser(context.Background(), 7))
}
