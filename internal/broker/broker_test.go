package broker

import (
	"context"
	"errors"
	"testing"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/austin-smith/fusion-bridge-sub007/pkg/redis"
)

func newTestAdapter() *Adapter {
	logger, _ := logrustest.NewNullLogger()
	return NewAdapter(redis.Config{Addrs: []string{"localhost:6379"}}, logger)
}

func TestOperationsBeforeConnect(t *testing.T) {
	a := newTestAdapter()
	ctx := context.Background()

	assert.ErrorIs(t, a.Subscribe(ctx, "events:org1"), ErrNotConnected)
	assert.ErrorIs(t, a.Unsubscribe(ctx, "events:org1"), ErrNotConnected)
	assert.ErrorIs(t, a.Publish(ctx, "events:org1", []byte(`{}`)), ErrNotConnected)
	assert.ErrorIs(t, a.Run(ctx), ErrNotConnected)
	assert.Empty(t, a.Subscribed())
	assert.NoError(t, a.Close(), "closing an unconnected adapter is a no-op")
}

func TestStateTransitionLatch(t *testing.T) {
	a := newTestAdapter()

	var downs, ups int
	a.OnStateChange(
		func(error) { downs++ },
		func() { ups++ },
	)

	// Repeated errors while down fire the transition callback once.
	a.markDown(errors.New("connection reset"))
	a.markDown(errors.New("connection reset"))
	a.markDown(errors.New("i/o timeout"))
	assert.Equal(t, 1, downs)

	// Recovery fires once, and only after a down period.
	a.markUp()
	a.markUp()
	assert.Equal(t, 1, ups)

	// A second outage latches again.
	a.markDown(errors.New("connection reset"))
	assert.Equal(t, 2, downs)
	a.markUp()
	assert.Equal(t, 2, ups)
}

func TestMarkUpWithoutPriorDownIsNoop(t *testing.T) {
	a := newTestAdapter()

	var ups int
	a.OnStateChange(nil, func() { ups++ })

	a.markUp()
	assert.Zero(t, ups)
}
