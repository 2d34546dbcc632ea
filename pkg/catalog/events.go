// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Event types appended by the core.
const (
	EventProdCreated    = "data_prod.created"
	EventProdUpdated    = "data_prod.updated"
	EventSourceCreated  = "data_prod_source.created"
	EventAssocCreated   = "data_prod_assoc.created"
	EventFlagAttached   = "data_prod_flag.attached"
	EventTaskCreated    = "reduction_task.created"
	EventTaskTransition = "reduction_task.transition"
	EventQuartetDone    = "quartet.completed"
)

// AppendEvent writes one append-only audit record. The event id is a fresh
// uuid; occurred_at is stamped in UTC.
func (s *Store) AppendEvent(ctx context.Context, ext sqlx.ExtContext, eventType, entityType string, entityID int64, payload JSONMap) error {
	_, err := ext.ExecContext(ctx, rebind(ext,
		`INSERT INTO event_log (event_id, event_type, entity_type, entity_id, payload, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), eventType, entityType, entityID, payload, now())
	if err != nil {
		return fmt.Errorf("catalog: append event %s: %w", eventType, err)
	}
	return nil
}

// ListEvents returns the audit records for one entity, oldest first.
func (s *Store) ListEvents(ctx context.Context, entityType string, entityID int64) ([]Event, error) {
	var events []Event
	err := s.db.SelectContext(ctx, &events, rebind(s.db,
		`SELECT * FROM event_log WHERE entity_type = ? AND entity_id = ? ORDER BY pk`),
		entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list events of %s %d: %w", entityType, entityID, err)
	}
	return events, nil
}
