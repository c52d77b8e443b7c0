//go:build integration

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
)

// setupPostgresStore starts a disposable PostgreSQL container and returns a
// store connected to it. Exercises the FOR UPDATE code path that SQLite
// cannot.
func setupPostgresStore(t *testing.T) *GORMStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("rosterd_test"),
		tcpostgres.WithUsername("rosterd_test"),
		tcpostgres.WithPassword("rosterd_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	store, err := New(&Config{
		Type: DatabaseTypePostgres,
		Postgres: PostgresConfig{
			Host:     host,
			Port:     port.Int(),
			Database: "rosterd_test",
			User:     "rosterd_test",
			Password: "rosterd_test",
			SSLMode:  "disable",
		},
	})
	require.NoError(t, err, "failed to connect store to postgres")
	t.Cleanup(func() { store.Close() })

	return store
}

func TestPostgresRowLocking(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	_, err := store.CreateOrUpdateLink(ctx, "discord-1", "76561198000000001", 1.0, models.LinkSourceVerified, false)
	require.NoError(t, err)

	entry := &models.WhitelistEntry{
		DiscordID:  "discord-1",
		SteamID:    "76561198000000001",
		AccessTier: "Moderator",
		GrantType:  string(models.GrantTypeStaff),
		Source:     string(models.SourceRole),
		Approved:   true,
	}
	_, err = store.CreateEntry(ctx, entry)
	require.NoError(t, err)

	// Two transactions contending for the same subject's rows must
	// serialize on the row lock: both commit, and the entry set stays
	// consistent (no duplicate active rows).
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Transaction(ctx, func(tx *GORMStore) error {
				entries, err := tx.RoleEntriesForUpdate(ctx, "discord-1")
				if err != nil {
					return err
				}
				for _, e := range entries {
					e.SteamID = "76561198000000001"
					if err := tx.SaveEntry(ctx, e); err != nil {
						return err
					}
				}
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := store.RoleEntriesForUpdate(ctx, "discord-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPostgresLinkPrimaryElection(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	_, err := store.CreateOrUpdateLink(ctx, "discord-2", "76561198000000010", 0.5, models.LinkSourceTicket, false)
	require.NoError(t, err)
	_, err = store.CreateOrUpdateLink(ctx, "discord-2", "76561198000000011", 1.0, models.LinkSourceVerified, false)
	require.NoError(t, err)

	primary, err := store.FindPrimaryLink(ctx, "discord-2")
	require.NoError(t, err)
	require.Equal(t, "76561198000000011", primary.SteamID)
}
