package autoscan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brandwatch/internal/adapters/memory"
	"brandwatch/internal/config"
	"brandwatch/internal/domain"
	"brandwatch/internal/services/scanner"
)

func TestTick(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store := memory.New()
	store.PutAccount(domain.Account{ID: "free-user", Tier: "free"})
	store.PutAccount(domain.Account{ID: "pro-user", Tier: "pro"})
	store.PutAccount(domain.Account{ID: "ent-user", Tier: "enterprise"})

	store.PutBrand(domain.Brand{ID: "free", OwnerID: "free-user", Name: "Free", Domain: "free.com"})
	recent := now.Add(-time.Hour)
	store.PutBrand(domain.Brand{ID: "pro-recent", OwnerID: "pro-user", Name: "Recent", Domain: "recent.com", LastScannedAt: &recent})
	store.PutBrand(domain.Brand{ID: "pro-new", OwnerID: "pro-user", Name: "New", Domain: "new.com"})
	store.PutBrand(domain.Brand{ID: "ent", OwnerID: "ent-user", Name: "Ent", Domain: "ent.com", LastScannedAt: &recent})
	store.PutBrand(domain.Brand{ID: "paused", OwnerID: "ent-user", Name: "Paused", Domain: "paused.com", Status: domain.BrandPaused})

	svc := scanner.New(store, store, store, store, config.DefaultPolicy(), nil).WithClock(func() time.Time { return now })
	loop := New(store, svc, nil)

	n, err := loop.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "never-scanned pro brand and continuous enterprise brand")

	for id, want := range map[string]bool{"free": false, "pro-recent": false, "pro-new": true, "ent": true, "paused": false} {
		active, _ := store.HasActiveJob(context.Background(), id)
		assert.Equal(t, want, active, id)
	}

	n, err = loop.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "queued brands are already running")
}
