package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// SnapshotMember is one member in a roster snapshot file exported by the
// Discord front-end.
type SnapshotMember struct {
	DiscordID   string            `json:"discord_id"`
	DisplayName string            `json:"display_name"`
	RoleIDs     []string          `json:"role_ids"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// LoadSnapshotFile parses an exported roster snapshot and derives each
// member's tier with resolve.
func LoadSnapshotFile(path, guildID string, resolve TierResolver) ([]Member, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster snapshot: %w", err)
	}

	var raw []SnapshotMember
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse roster snapshot: %w", err)
	}

	members := make([]Member, 0, len(raw))
	for _, m := range raw {
		if m.DiscordID == "" {
			return nil, fmt.Errorf("roster snapshot contains a member without discord_id")
		}
		members = append(members, Member{
			Snapshot: MemberSnapshot{
				GuildID:     guildID,
				DiscordID:   m.DiscordID,
				DisplayName: m.DisplayName,
				RoleIDs:     m.RoleIDs,
				Tags:        m.Tags,
			},
			Tier: resolve(m.RoleIDs),
		})
	}
	return members, nil
}

// StaticProvider serves a fixed member list. The one-shot sync path uses
// it so the snapshot already loaded for bulk reconciliation also answers
// upgrade re-verification.
type StaticProvider []Member

// GuildMembers returns the snapshot unchanged.
func (p StaticProvider) GuildMembers(ctx context.Context, _ string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// FileProvider is a Provider backed by a snapshot file on disk. The file
// is re-read on every fetch, so a refreshed export takes effect without a
// service restart.
type FileProvider struct {
	path    string
	resolve TierResolver
}

// NewFileProvider creates a Provider over the snapshot file at path.
func NewFileProvider(path string, resolve TierResolver) *FileProvider {
	return &FileProvider{path: path, resolve: resolve}
}

// GuildMembers loads the current snapshot from disk.
func (p *FileProvider) GuildMembers(ctx context.Context, guildID string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LoadSnapshotFile(p.path, guildID, p.resolve)
}
