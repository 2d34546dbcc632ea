// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/toltec-astro/toltecdp/pkg/ident"
)

// taskTransitions is the status machine QUEUED → RUNNING → {DONE, ERROR}.
var taskTransitions = map[string][]string{
	TaskQueued:  {TaskRunning},
	TaskRunning: {TaskDone, TaskError},
}

// FindOrCreateTask resolves a reduction task by its content-addressable
// identity: the canonical hash of its parameters plus the hash of its
// sorted input product-id set. Two calls with the same params and inputs
// resolve to the same record; the second call neither duplicates the task
// nor its input rows.
func (s *Store) FindOrCreateTask(ctx context.Context, params JSONMap, inputPKs []int64) (*ReductionTask, error) {
	paramsHash := ident.ParamsHash(map[string]interface{}(params))
	inputHash := ident.InputSetHash(inputPKs)

	if task, err := s.findTask(ctx, paramsHash, inputHash); err != nil || task != nil {
		return task, err
	}
	err := s.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		ts := now()
		pk, err := insertPK(ctx, tx,
			`INSERT INTO reduction_task (params_hash, input_set_hash, status, params, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			paramsHash, inputHash, TaskQueued, params, ts, ts)
		if err != nil {
			return s.wrapWriteErr("create reduction task", err)
		}
		for _, inputPK := range inputPKs {
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO task_input (task_fk, data_prod_fk) VALUES (?, ?)`), pk, inputPK); err != nil {
				return s.wrapWriteErr("create task input", err)
			}
		}
		return s.AppendEvent(ctx, tx, EventTaskCreated, "reduction_task", pk,
			JSONMap{"params_hash": paramsHash, "input_set_hash": inputHash})
	})
	if err != nil {
		// A concurrent creator may have won the unique constraint race;
		// re-resolve before giving up.
		if IsIntegrityError(err) {
			if task, ferr := s.findTask(ctx, paramsHash, inputHash); ferr == nil && task != nil {
				return task, nil
			}
		}
		return nil, err
	}
	return s.findTask(ctx, paramsHash, inputHash)
}

func (s *Store) findTask(ctx context.Context, paramsHash, inputHash string) (*ReductionTask, error) {
	var task ReductionTask
	err := s.db.GetContext(ctx, &task, rebind(s.db,
		`SELECT * FROM reduction_task WHERE params_hash = ? AND input_set_hash = ?`),
		paramsHash, inputHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: find task: %w", err)
	}
	return &task, nil
}

// SetTaskStatus transitions a task along the status machine; illegal
// transitions are integrity errors.
func (s *Store) SetTaskStatus(ctx context.Context, taskPK int64, status string) error {
	return s.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, tx.Rebind(
			`SELECT status FROM reduction_task WHERE pk = ?`), taskPK)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("catalog: task %d not found", taskPK)
		}
		if err != nil {
			return fmt.Errorf("catalog: task %d: %w", taskPK, err)
		}
		if !transitionAllowed(current, status) {
			return &IntegrityError{Op: "task transition",
				Err: fmt.Errorf("task %d: %s -> %s not allowed", taskPK, current, status)}
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE reduction_task SET status = ?, updated_at = ? WHERE pk = ?`),
			status, now(), taskPK); err != nil {
			return s.wrapWriteErr("set task status", err)
		}
		return s.AppendEvent(ctx, tx, EventTaskTransition, "reduction_task", taskPK,
			JSONMap{"from": current, "to": status})
	})
}

func transitionAllowed(from, to string) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AddTaskOutput registers a product produced by a task.
func (s *Store) AddTaskOutput(ctx context.Context, taskPK, prodPK int64) error {
	return s.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO task_output (task_fk, data_prod_fk) VALUES (?, ?)`), taskPK, prodPK)
		return s.wrapWriteErr("add task output", err)
	})
}

// TaskInputPKs returns the input product pks of a task.
func (s *Store) TaskInputPKs(ctx context.Context, taskPK int64) ([]int64, error) {
	var pks []int64
	err := s.db.SelectContext(ctx, &pks, rebind(s.db,
		`SELECT data_prod_fk FROM task_input WHERE task_fk = ? ORDER BY pk`), taskPK)
	if err != nil {
		return nil, fmt.Errorf("catalog: task %d inputs: %w", taskPK, err)
	}
	return pks, nil
}
