//go:build integration

package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SearocIsMe/elderly-companion/internal/guard/ratelimit"
	"github.com/SearocIsMe/elderly-companion/pkg/testutil/containers"
)

func TestRedisStore_SlidingWindow(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	store := ratelimit.NewRedisStore(rc.Client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := store.Allow(ctx, "u|call|place", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
	}

	res, err := store.Allow(ctx, "u|call|place", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Keys stay independent.
	res, err = store.Allow(ctx, "other|call|place", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisStore_WindowSlides(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	require.NoError(t, rc.FlushAll(context.Background()))
	store := ratelimit.NewRedisStore(rc.Client)
	ctx := context.Background()

	res, err := store.Allow(ctx, "slide", 1, 300*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = store.Allow(ctx, "slide", 1, 300*time.Millisecond)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	time.Sleep(400 * time.Millisecond)
	res, err = store.Allow(ctx, "slide", 1, 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
