// Package donations grants time-limited whitelist access for donations.
// Donation entries are the only expiring entries in the ledger; role
// entries always reflect live role state instead.
package donations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TrustInBlood/roster-control/internal/logger"
	"github.com/TrustInBlood/roster-control/pkg/notify"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

// DefaultTier is the access tier donation grants carry unless the
// request names another one.
const DefaultTier = "donor"

// Invalidator flushes read-through caches after whitelist writes.
type Invalidator interface {
	Invalidate()
}

// Service creates donation grants.
type Service struct {
	store       *store.GORMStore
	sink        notify.Sink
	invalidator Invalidator
}

// New creates a donation service. sink and invalidator may be nil.
func New(st *store.GORMStore, sink notify.Sink, invalidator Invalidator) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	return &Service{store: st, sink: sink, invalidator: invalidator}, nil
}

// GrantRequest describes one donation grant.
type GrantRequest struct {
	// DiscordID identifies the donor. Required.
	DiscordID string

	// SteamID is the game identity to whitelist. When empty, the donor's
	// primary identity link is used.
	SteamID string

	// Tier is the access tier to grant. Defaults to DefaultTier.
	Tier string

	// Duration is how long the grant lasts. Required.
	Duration time.Duration

	// ActorID and ActorName identify who recorded the donation; empty
	// means an automated payment webhook.
	ActorID   string
	ActorName string

	// Reference is an opaque payment or transaction reference kept as
	// provenance.
	Reference string
}

func (r *GrantRequest) validate() error {
	if r.DiscordID == "" {
		return fmt.Errorf("discord id is required")
	}
	if r.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if r.Tier == "" {
		r.Tier = DefaultTier
	}
	return nil
}

// Grant creates a donation entry. Successive donations stack: the new
// grant's clock starts where the donor's latest active donation ends, so
// donating twice in one day buys two full periods.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*models.WhitelistEntry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var entry *models.WhitelistEntry
	err := s.store.Transaction(ctx, func(tx *store.GORMStore) error {
		now := time.Now()

		steamID := req.SteamID
		if steamID == "" {
			link, err := tx.FindPrimaryLink(ctx, req.DiscordID)
			if err != nil {
				if errors.Is(err, models.ErrLinkNotFound) {
					return fmt.Errorf("no steam id given and no identity link on file for %s", req.DiscordID)
				}
				return err
			}
			steamID = link.SteamID
		}

		actives, err := tx.ActiveEntriesByDiscordID(ctx, req.DiscordID)
		if err != nil {
			return err
		}

		// Stack onto the furthest active donation expiry.
		base := now
		for _, e := range actives {
			if e.Source != string(models.SourceDonation) || e.ExpiresAt == nil {
				continue
			}
			if e.ExpiresAt.After(base) {
				base = *e.ExpiresAt
			}
		}
		expires := base.Add(req.Duration)

		entry = &models.WhitelistEntry{
			DiscordID:  req.DiscordID,
			SteamID:    steamID,
			AccessTier: req.Tier,
			GrantType:  string(models.GrantTypeMember),
			Source:     string(models.SourceDonation),
			Approved:   true,
			GrantedAt:  now,
			GrantedBy:  actorOf(req),
			ExpiresAt:  &expires,
		}
		if req.Reference != "" {
			entry.SetMeta("reference", req.Reference)
		}
		if _, err := tx.CreateEntry(ctx, entry); err != nil {
			return err
		}

		actorType := models.ActorSystem
		if req.ActorID != "" {
			actorType = models.ActorUser
		}
		return tx.AppendAudit(ctx, &models.AuditRecord{
			ActionType: models.ActionDonationGrant,
			ActorType:  actorType,
			ActorID:    req.ActorID,
			ActorName:  req.ActorName,
			TargetType: "member",
			TargetID:   req.DiscordID,
			Description: fmt.Sprintf("donation grant %q until %s", req.Tier,
				expires.UTC().Format(time.RFC3339)),
			Metadata: models.JSONMap{
				"tier":       req.Tier,
				"expires_at": expires.UTC().Format(time.RFC3339),
				"stacked":    base.After(now),
				"reference":  req.Reference,
			},
			Severity: string(models.SeverityInfo),
		})
	})
	if err != nil {
		return nil, err
	}

	if s.invalidator != nil {
		s.invalidator.Invalidate()
	}
	if err := s.sink.Send(ctx, notify.Event{
		Category:    "whitelist.donation",
		Title:       "Donation grant recorded",
		Description: fmt.Sprintf("%s received %q until %s", req.DiscordID, entry.AccessTier, entry.ExpiresAt.UTC().Format(time.RFC3339)),
		Severity:    notify.SeverityInfo,
		Timestamp:   time.Now(),
	}); err != nil {
		logger.Warn("Donation notification delivery failed", "subject", req.DiscordID, "error", err)
	}

	return entry, nil
}

func actorOf(req GrantRequest) string {
	if req.ActorID != "" {
		return req.ActorID
	}
	return models.ActorSystem
}
