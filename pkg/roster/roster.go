// Package roster defines the boundary types between the Discord-facing
// event producer and the whitelist reconciliation core.
//
// The chat front-end (slash commands, gateway events, role caches) lives
// outside this module; it feeds the core role-change events and roster
// snapshots through the types here. The mapping from Discord role sets to
// access tiers is configuration owned by that front-end and is injected as
// a TierResolver.
package roster

import (
	"context"
	"fmt"
)

// Tier is the access category derived from a member's Discord role set.
type Tier struct {
	// Name is the human-readable tier label, e.g. "Member" or "Moderator T1".
	Name string

	// Staff marks elevated tiers. Staff grants require a verified
	// identity link; the base member tier does not.
	Staff bool

	// Priority orders tiers when a member's roles map to more than one;
	// higher wins.
	Priority int
}

// MemberSnapshot is the contextual member state carried on a role-change
// event: enough to audit and notify without another Discord fetch.
type MemberSnapshot struct {
	GuildID     string
	DiscordID   string
	DisplayName string
	RoleIDs     []string
	Tags        map[string]string
}

// RoleChangeEvent is emitted whenever the externally-observed set of
// tracked roles for a subject changes in a way that changes their derived
// tier. A nil NewTier means the subject holds no tracked role any more.
type RoleChangeEvent struct {
	DiscordID    string
	PreviousTier *Tier
	NewTier      *Tier
	Member       MemberSnapshot
}

// Member pairs a snapshot with its derived tier for bulk sync.
type Member struct {
	Snapshot MemberSnapshot
	Tier     *Tier // nil when the member holds no tracked role
}

// TierResolver derives a member's tier from their current role set.
// Returns nil when no tracked role is held. Implementations typically wrap
// a database-backed role/priority mapping with a TTL cache and a static
// fallback; the core treats it as opaque configuration.
type TierResolver func(roleIDs []string) *Tier

// Provider supplies the current live membership of a guild.
type Provider interface {
	// GuildMembers returns the full membership snapshot for a guild with
	// each member's derived tier. Implementations must fetch in chunks;
	// large rosters cannot be assumed to arrive in one unbounded call.
	GuildMembers(ctx context.Context, guildID string) ([]Member, error)
}

// Verifier answers whether a subject currently, verifiably, holds a role
// mapping to the named tier. The reconciliation engine re-checks this
// before flipping a blocked entry to active so that an upgrade never fires
// on a stale assumption.
type Verifier interface {
	HoldsTier(ctx context.Context, guildID, discordID, tierName string) (bool, error)
}

// PageFunc fetches one page of members starting after the given member ID.
// It returns the page and the cursor for the next page; an empty cursor
// means the roster is exhausted.
type PageFunc func(ctx context.Context, guildID, after string, limit int) ([]MemberSnapshot, string, error)

// ChunkedProvider implements Provider over a paged fetch, deriving each
// member's tier with the injected resolver.
type ChunkedProvider struct {
	fetch    PageFunc
	resolve  TierResolver
	pageSize int
}

// DefaultPageSize matches the Discord guild-members pagination limit.
const DefaultPageSize = 1000

// NewChunkedProvider creates a Provider that pages through the roster.
func NewChunkedProvider(fetch PageFunc, resolve TierResolver, pageSize int) *ChunkedProvider {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &ChunkedProvider{fetch: fetch, resolve: resolve, pageSize: pageSize}
}

// GuildMembers pages through the guild roster until the fetch reports
// exhaustion.
func (p *ChunkedProvider) GuildMembers(ctx context.Context, guildID string) ([]Member, error) {
	var members []Member
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, next, err := p.fetch(ctx, guildID, after, p.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch roster page after %q: %w", after, err)
		}

		for _, snap := range page {
			members = append(members, Member{
				Snapshot: snap,
				Tier:     p.resolve(snap.RoleIDs),
			})
		}

		if next == "" {
			return members, nil
		}
		after = next
	}
}

// SnapshotVerifier is a Verifier backed by a Provider: it re-fetches the
// live roster and checks the subject's derived tier. Accepting the live
// fetch inside the upgrade path trades an external dependency for
// protection against stale upgrades.
type SnapshotVerifier struct {
	provider Provider
}

// NewSnapshotVerifier creates a Verifier over the given provider.
func NewSnapshotVerifier(provider Provider) *SnapshotVerifier {
	return &SnapshotVerifier{provider: provider}
}

// HoldsTier reports whether the subject's current derived tier matches
// tierName.
func (v *SnapshotVerifier) HoldsTier(ctx context.Context, guildID, discordID, tierName string) (bool, error) {
	members, err := v.provider.GuildMembers(ctx, guildID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.Snapshot.DiscordID == discordID {
			return m.Tier != nil && m.Tier.Name == tierName, nil
		}
	}
	return false, nil
}
