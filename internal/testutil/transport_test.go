package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacorga/tracelog/internal/model"
)

func TestTransport_RecordsAndFails(t *testing.T) {
	tr := NewTransport()
	batch := model.Batch{SessionID: "s", Events: []model.Event{{Type: model.EventPageView}}}

	require.NoError(t, tr.Request(context.Background(), "e", batch, 0))
	assert.True(t, tr.FireAndForget("e", batch))

	tr.SetFailing(true)
	assert.ErrorIs(t, tr.Request(context.Background(), "e", batch, 0), ErrTransportDown)
	assert.False(t, tr.FireAndForget("e", batch))

	assert.Equal(t, 4, tr.Attempts())
	require.Len(t, tr.Deliveries(), 2)
	assert.Equal(t, "request", tr.Deliveries()[0].Method)
	assert.Equal(t, 2, tr.CountByType(model.EventPageView))
}

func TestTransport_RefuseFireAndForget(t *testing.T) {
	tr := NewTransport()
	tr.RefuseFireAndForget(true)
	assert.False(t, tr.FireAndForget("e", model.Batch{}))
	require.NoError(t, tr.Request(context.Background(), "e", model.Batch{}, 0))
}

func TestTransport_BlockHoldsRequests(t *testing.T) {
	tr := NewTransport()
	tr.Block()

	done := make(chan error, 1)
	go func() {
		done <- tr.Request(context.Background(), "e", model.Batch{}, 0)
	}()
	require.Eventually(t, func() bool { return tr.Attempts() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, tr.Deliveries())

	tr.Unblock()
	require.NoError(t, <-done)
	assert.Len(t, tr.Deliveries(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	tr.Block()
	cancel()
	assert.ErrorIs(t, tr.Request(ctx, "e", model.Batch{}, 0), context.Canceled)
	tr.Unblock()
}

func TestFixedGenerator(t *testing.T) {
	assert.Equal(t, "test-id-default", NewFixedGenerator("").Generate())
	g := NewFixedGenerator("u-1")
	assert.Equal(t, g.Generate(), g.Generate())
}
