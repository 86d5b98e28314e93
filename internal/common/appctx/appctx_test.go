package appctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type ctxKey struct{}

func TestDetached_SurvivesParentCancel(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "v"))
	stop := make(chan struct{})

	ctx, cancel := Detached(parent, stop)
	defer cancel()

	cancelParent()
	assert.NoError(t, ctx.Err())
	assert.Equal(t, "v", ctx.Value(ctxKey{}))
}

func TestDetached_CancelledByStop(t *testing.T) {
	stop := make(chan struct{})
	ctx, cancel := Detached(context.Background(), stop)
	defer cancel()

	close(stop)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after stop closed")
	}
}

func TestDetached_Cancel(t *testing.T) {
	ctx, cancel := Detached(context.Background(), nil)
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
