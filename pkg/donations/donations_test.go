package donations

import (
	"context"
	"testing"
	"time"

	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

func createTestService(t *testing.T) (*Service, *store.GORMStore) {
	t.Helper()
	st, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc, err := New(st, nil, nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc, st
}

func TestGrant(t *testing.T) {
	svc, st := createTestService(t)
	ctx := context.Background()

	t.Run("explicit steam id", func(t *testing.T) {
		entry, err := svc.Grant(ctx, GrantRequest{
			DiscordID: "d-1",
			SteamID:   "76561198000000001",
			Duration:  30 * 24 * time.Hour,
			Reference: "txn-123",
		})
		if err != nil {
			t.Fatalf("grant failed: %v", err)
		}
		if entry.AccessTier != DefaultTier {
			t.Errorf("expected default tier, got %s", entry.AccessTier)
		}
		if entry.ExpiresAt == nil {
			t.Fatal("donation entries must expire")
		}
		remaining := time.Until(*entry.ExpiresAt)
		if remaining < 29*24*time.Hour || remaining > 31*24*time.Hour {
			t.Errorf("expected roughly 30 days remaining, got %s", remaining)
		}

		allowed, err := st.IsWhitelisted(ctx, "76561198000000001")
		if err != nil {
			t.Fatalf("lookup failed: %v", err)
		}
		if !allowed {
			t.Error("expected donor whitelisted")
		}
	})

	t.Run("steam id resolved from primary link", func(t *testing.T) {
		if _, err := st.CreateOrUpdateLink(ctx, "d-2", "76561198000000002", 0.5, models.LinkSourceTicket, false); err != nil {
			t.Fatalf("failed to create link: %v", err)
		}
		entry, err := svc.Grant(ctx, GrantRequest{DiscordID: "d-2", Duration: time.Hour})
		if err != nil {
			t.Fatalf("grant failed: %v", err)
		}
		if entry.SteamID != "76561198000000002" {
			t.Errorf("expected steam id from link, got %q", entry.SteamID)
		}
	})

	t.Run("no steam id and no link fails", func(t *testing.T) {
		if _, err := svc.Grant(ctx, GrantRequest{DiscordID: "d-3", Duration: time.Hour}); err == nil {
			t.Fatal("expected error without steam id or link")
		}
	})

	t.Run("validation", func(t *testing.T) {
		if _, err := svc.Grant(ctx, GrantRequest{SteamID: "s", Duration: time.Hour}); err == nil {
			t.Error("expected error without discord id")
		}
		if _, err := svc.Grant(ctx, GrantRequest{DiscordID: "d", SteamID: "s"}); err == nil {
			t.Error("expected error without duration")
		}
	})
}

func TestGrantStacking(t *testing.T) {
	svc, st := createTestService(t)
	ctx := context.Background()

	first, err := svc.Grant(ctx, GrantRequest{
		DiscordID: "d-4",
		SteamID:   "76561198000000004",
		Duration:  30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("first grant failed: %v", err)
	}

	// Second donation the same day starts where the first ends.
	second, err := svc.Grant(ctx, GrantRequest{
		DiscordID: "d-4",
		SteamID:   "76561198000000004",
		Duration:  30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("second grant failed: %v", err)
	}

	gap := second.ExpiresAt.Sub(*first.ExpiresAt)
	if gap < 29*24*time.Hour || gap > 31*24*time.Hour {
		t.Errorf("expected second grant to stack a full period after the first, gap=%s", gap)
	}

	actives, err := st.ActiveEntriesByDiscordID(ctx, "d-4")
	if err != nil {
		t.Fatalf("failed to list actives: %v", err)
	}
	if len(actives) != 2 {
		t.Fatalf("expected both grants active, got %d", len(actives))
	}

	records, err := st.ListAudit(ctx, models.ActionDonationGrant, 10)
	if err != nil {
		t.Fatalf("failed to list audit: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(records))
	}
	stacked := 0
	for _, rec := range records {
		if rec.Metadata.Bool("stacked") {
			stacked++
		}
	}
	if stacked != 1 {
		t.Errorf("expected exactly one stacked grant, got %d", stacked)
	}
}

func TestGrantDoesNotStackOnExpired(t *testing.T) {
	svc, st := createTestService(t)
	ctx := context.Background()

	// An already-expired donation must not push the new expiry out.
	past := time.Now().Add(-time.Hour)
	expired := &models.WhitelistEntry{
		DiscordID:  "d-5",
		SteamID:    "76561198000000005",
		AccessTier: DefaultTier,
		GrantType:  string(models.GrantTypeMember),
		Source:     string(models.SourceDonation),
		Approved:   true,
		GrantedAt:  past.Add(-30 * 24 * time.Hour),
		GrantedBy:  models.ActorSystem,
		ExpiresAt:  &past,
	}
	if _, err := st.CreateEntry(ctx, expired); err != nil {
		t.Fatalf("failed to seed expired entry: %v", err)
	}

	entry, err := svc.Grant(ctx, GrantRequest{
		DiscordID: "d-5",
		SteamID:   "76561198000000005",
		Duration:  time.Hour,
	})
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if remaining := time.Until(*entry.ExpiresAt); remaining > 2*time.Hour {
		t.Errorf("expired grants must not stack, got %s remaining", remaining)
	}
}
