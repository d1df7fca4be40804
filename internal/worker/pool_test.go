package worker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(2, 16, logrus.New())

	var ran int64
	for i := 0; i < 10; i++ {
		assert.True(t, p.Submit(func(ctx context.Context) {
			atomic.AddInt64(&ran, 1)
		}))
	}
	p.Stop()

	assert.Equal(t, int64(10), atomic.LoadInt64(&ran))
}

func TestPoolRecoversFromPanic(t *testing.T) {
	p := NewPool(1, 4, logrus.New())

	var ran int64
	p.Submit(func(ctx context.Context) { panic("boom") })
	p.Submit(func(ctx context.Context) { atomic.AddInt64(&ran, 1) })
	p.Stop()

	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

func TestPoolSubmitAfterStopIsRejected(t *testing.T) {
	p := NewPool(1, 4, logrus.New())
	p.Stop()

	assert.NotPanics(t, func() {
		assert.False(t, p.Submit(func(ctx context.Context) {}))
	})
	// A second Stop is a no-op as well.
	assert.NotPanics(t, p.Stop)
}

func TestPoolDropsWhenFull(t *testing.T) {
	p := NewPool(1, 1, logrus.New())
	block := make(chan struct{})

	p.Submit(func(ctx context.Context) { <-block })

	// Fill the queue, then overflow it.
	submitted := 0
	for i := 0; i < 10; i++ {
		if p.Submit(func(ctx context.Context) {}) {
			submitted++
		}
	}
	assert.Less(t, submitted, 10)
	assert.Greater(t, p.Dropped(), int64(0))

	close(block)
	p.Stop()
}
