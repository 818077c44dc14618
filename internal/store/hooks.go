package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Hook is the local record of an organization webhook. RemoteID stays nil
// between the local write and a successful remote create. LastSeen is when
// the remote last acknowledged the hook.
type Hook struct {
	ID             string
	OrganizationID int64
	RemoteID       *int64
	Secret         string
	Events         []string
	LastSeen       time.Time
}

// HookForOrganization loads the organization's hook record.
func (s *Store) HookForOrganization(ctx context.Context, orgID int64) (Hook, error) {
	var (
		h        Hook
		remoteID sql.NullInt64
		events   string
		lastSeen sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, github_id, secret, events, last_seen FROM hooks WHERE organization_id = ?`,
		orgID,
	).Scan(&h.ID, &h.OrganizationID, &remoteID, &h.Secret, &events, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return Hook{}, ErrNotFound
	}
	if err != nil {
		return Hook{}, fmt.Errorf("get hook: %w", err)
	}
	if remoteID.Valid {
		id := remoteID.Int64
		h.RemoteID = &id
	}
	if lastSeen.Valid {
		h.LastSeen = time.Unix(lastSeen.Int64, 0).UTC()
	}
	if err := json.Unmarshal([]byte(events), &h.Events); err != nil {
		return Hook{}, fmt.Errorf("decode hook events: %w", err)
	}
	return h, nil
}

// CreateHook writes a new record. It fails if the organization already has one.
func (s *Store) CreateHook(ctx context.Context, h Hook) error {
	events, err := jsonText(h.Events)
	if err != nil {
		return err
	}
	var remoteID any
	if h.RemoteID != nil {
		remoteID = *h.RemoteID
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO hooks(id, organization_id, github_id, secret, events) VALUES(?, ?, ?, ?, ?)`,
		h.ID, h.OrganizationID, remoteID, h.Secret, events); err != nil {
		return fmt.Errorf("create hook: %w", err)
	}
	return nil
}

// SetHookRemoteID records the remote webhook ID after a successful create.
func (s *Store) SetHookRemoteID(ctx context.Context, id string, remoteID int64) error {
	return s.updateHook(ctx, `UPDATE hooks SET github_id = ? WHERE id = ?`, remoteID, id)
}

// UpdateHookEvents records the subscribed events after a successful edit.
func (s *Store) UpdateHookEvents(ctx context.Context, id string, events []string) error {
	raw, err := jsonText(events)
	if err != nil {
		return err
	}
	return s.updateHook(ctx, `UPDATE hooks SET events = ? WHERE id = ?`, raw, id)
}

// TouchHook records that the remote acknowledged the hook at at.
func (s *Store) TouchHook(ctx context.Context, id string, at time.Time) error {
	return s.updateHook(ctx, `UPDATE hooks SET last_seen = ? WHERE id = ?`, at.Unix(), id)
}

// DeleteHook removes a record. Deleting a missing record is not an error.
func (s *Store) DeleteHook(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM hooks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete hook: %w", err)
	}
	return nil
}

func (s *Store) updateHook(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update hook: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}
