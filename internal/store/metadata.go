package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/exsilium/shiphub-server/internal/github"
)

// Metadata maps a slot name (a sync stage or resource) to its cache record.
type Metadata map[string]*github.CacheMetadata

// LoadMetadata returns every stored slot for an owner. Unknown owners get an
// empty map.
func (s *Store) LoadMetadata(ctx context.Context, ownerKind string, ownerID int64) (Metadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot, metadata FROM sync_metadata WHERE owner_kind = ? AND owner_id = ?`, ownerKind, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	defer rows.Close()
	out := make(Metadata)
	for rows.Next() {
		var slot, raw string
		if err := rows.Scan(&slot, &raw); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		meta := &github.CacheMetadata{}
		if err := json.Unmarshal([]byte(raw), meta); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", slot, err)
		}
		out[slot] = meta
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter metadata: %w", err)
	}
	return out, nil
}

// SaveMetadata upserts every non-nil slot.
func (s *Store) SaveMetadata(ctx context.Context, ownerKind string, ownerID int64, meta Metadata) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for slot, m := range meta {
			if m == nil {
				continue
			}
			raw, err := jsonText(m)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sync_metadata(owner_kind, owner_id, slot, metadata) VALUES(?, ?, ?, ?)
				 ON CONFLICT(owner_kind, owner_id, slot) DO UPDATE SET metadata = excluded.metadata`,
				ownerKind, ownerID, slot, raw); err != nil {
				return fmt.Errorf("save metadata %s: %w", slot, err)
			}
		}
		return nil
	})
}
