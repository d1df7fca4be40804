package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/models"
)

// HandlerFunc processes one inbound envelope. A returned error is logged and
// never stops the subscriber loop.
type HandlerFunc func(ctx context.Context, env *models.Envelope) error

type dispatchKey struct {
	Sender string
	Action string
	Type   string
}

// Dispatcher routes inbound envelopes on the (sender, action, type) triple.
// The registration table doubles as the permission matrix: a triple with no
// handler is dropped, so a sender can never trigger an action it was not
// registered for.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[dispatchKey]HandlerFunc
	self     string
	logger   *logrus.Logger
}

// NewDispatcher creates a dispatcher for the named service.
func NewDispatcher(self string, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[dispatchKey]HandlerFunc),
		self:     self,
		logger:   logger,
	}
}

// Register binds a handler to a (sender, action, type) triple.
func (d *Dispatcher) Register(sender, action, typ string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[dispatchKey{sender, action, typ}] = fn
}

// Dispatch routes one envelope. Envelopes not addressed to this service and
// unregistered triples are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, env *models.Envelope) {
	if !d.addressedToSelf(env) {
		return
	}

	d.mu.RLock()
	fn, ok := d.handlers[dispatchKey{env.From, env.Action, env.Type}]
	d.mu.RUnlock()
	if !ok {
		d.logger.WithFields(logrus.Fields{
			"from":   env.From,
			"action": env.Action,
			"type":   env.Type,
		}).Debug("No handler registered, dropping envelope")
		return
	}

	if err := fn(ctx, env); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"from":   env.From,
			"action": env.Action,
			"type":   env.Type,
		}).Error("Exchange handler failed")
	}
}

func (d *Dispatcher) addressedToSelf(env *models.Envelope) bool {
	for _, to := range env.To {
		if to == d.self || to == "ALL" {
			return true
		}
	}
	return false
}

// Run subscribes to the exchange channel and dispatches until the context is
// cancelled. Malformed payloads are logged and skipped.
func (d *Dispatcher) Run(ctx context.Context, client *redis.Client, channel string) error {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	d.logger.WithField("channel", channel).Info("Exchange subscriber started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env models.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				d.logger.WithError(err).Warn("Malformed exchange payload")
				continue
			}
			d.Dispatch(ctx, &env)
		}
	}
}

// DecodeData unmarshals an envelope's data field into the handler's schema.
func DecodeData(env *models.Envelope, v interface{}) error {
	raw, err := json.Marshal(env.Data)
	if err != nil {
		return fmt.Errorf("re-encode data: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
