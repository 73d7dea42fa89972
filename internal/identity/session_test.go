package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IlyasAtabaev731/vending-shop/internal/domain/models"
	"github.com/IlyasAtabaev731/vending-shop/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionExpiry(t *testing.T) {
	store, err := memory.New("")
	require.NoError(t, err)

	svc := New(slog.New(slog.NewTextHandler(io.Discard, nil)), store)
	svc.SetSessionTTL(time.Hour)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	ctx := context.Background()
	sess, _, err := svc.Register(ctx, "ana@example.com", "password", "Ana")
	require.NoError(t, err)
	assert.Equal(t, clock.Add(time.Hour), sess.ExpiresAt)

	clock = clock.Add(59 * time.Minute)
	_, err = svc.Session(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, svc.PruneExpired())

	clock = clock.Add(time.Minute)
	_, err = svc.CurrentUser(ctx, sess)
	assert.True(t, errors.Is(err, models.ErrAuthenticationRequired))
	_, err = svc.Session(sess.ID)
	assert.True(t, errors.Is(err, models.ErrAuthenticationRequired))
}

func TestPruneExpired(t *testing.T) {
	store, err := memory.New("")
	require.NoError(t, err)

	svc := New(slog.New(slog.NewTextHandler(io.Discard, nil)), store)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	ctx := context.Background()

	forever, _, err := svc.Register(ctx, "bo@example.com", "password", "Bo")
	require.NoError(t, err)

	svc.SetSessionTTL(time.Minute)
	short, _, err := svc.Register(ctx, "ana@example.com", "password", "Ana")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)

	assert.Equal(t, []string{short.ID}, svc.PruneExpired())
	_, err = svc.Session(forever.ID)
	assert.NoError(t, err)
}
