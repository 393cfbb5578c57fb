/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"acecoredata/internal/model"
)

var (
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("store is closed")
	// ErrUniqueViolation is matched by errors.Is on a *UniqueViolationError.
	ErrUniqueViolation = errors.New("unique constraint violated")
	// ErrObjectGone is returned when an update targets a row deleted by someone else.
	ErrObjectGone = errors.New("object no longer exists")
)

// UniqueViolationError names the entity and indexed key that collided.
type UniqueViolationError struct {
	Entity string
	Key    string
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("%s with key %q already exists", e.Entity, e.Key)
}

func (e *UniqueViolationError) Is(target error) bool { return target == ErrUniqueViolation }

// Record is one persisted object.
type Record struct {
	ID     string
	Entity string
	Values map[string]any
}

// ChangeSet is one atomic write. For Updated records Values holds only the
// changed attributes; they are laid over the stored row so that concurrent
// writers touching different attributes both survive.
type ChangeSet struct {
	Inserted []Record
	Updated  []Record
	Deleted  []Record
}

// Empty reports whether the change set would write nothing.
func (cs ChangeSet) Empty() bool {
	return len(cs.Inserted) == 0 && len(cs.Updated) == 0 && len(cs.Deleted) == 0
}

// Len is the number of touched objects.
func (cs ChangeSet) Len() int { return len(cs.Inserted) + len(cs.Updated) + len(cs.Deleted) }

func (s *Store) entity(name string) (*model.Entity, error) {
	e, ok := s.model.Entity(name)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return e, nil
}

// FetchAll returns every stored object of entity, ordered by id.
func (s *Store) FetchAll(ctx context.Context, entity string) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	e, err := s.entity(entity)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, data FROM objects WHERE entity = ? ORDER BY id`), entity)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", entity, err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", entity, err)
		}
		vals, err := e.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, Record{ID: id, Entity: entity, Values: vals})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get loads one object by id. found is false if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (rec Record, found bool, err error) {
	if s.closed.Load() {
		return Record{}, false, ErrClosed
	}
	var entity, data string
	err = s.db.QueryRowContext(ctx, s.q(`SELECT entity, data FROM objects WHERE id = ?`), id).Scan(&entity, &data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, false, nil
	case err != nil:
		return Record{}, false, fmt.Errorf("get %s: %w", id, err)
	}
	return s.decodeRecord(id, entity, data)
}

// GetByKey loads the object of entity whose indexed attribute equals key.
// The unique index guarantees at most one match.
func (s *Store) GetByKey(ctx context.Context, entity, key string) (Record, bool, error) {
	if s.closed.Load() {
		return Record{}, false, ErrClosed
	}
	var id, data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, data FROM objects WHERE entity = ? AND unique_key = ?`), entity, key).Scan(&id, &data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, false, nil
	case err != nil:
		return Record{}, false, fmt.Errorf("get %s[%s]: %w", entity, key, err)
	}
	return s.decodeRecord(id, entity, data)
}

// Count returns the number of stored objects of entity.
func (s *Store) Count(ctx context.Context, entity string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM objects WHERE entity = ?`), entity).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", entity, err)
	}
	return n, nil
}

func (s *Store) decodeRecord(id, entity, data string) (Record, bool, error) {
	e, err := s.entity(entity)
	if err != nil {
		return Record{}, false, err
	}
	vals, err := e.Decode([]byte(data))
	if err != nil {
		return Record{}, false, err
	}
	return Record{ID: id, Entity: entity, Values: vals}, true, nil
}

// Apply writes cs in a single transaction: either every change lands or none does.
// Concurrent callers are serialized; transient lock contention is retried with backoff.
func (s *Store) Apply(ctx context.Context, cs ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	b := retry.WithMaxRetries(4, retry.NewFibonacci(20*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := s.applyOnce(ctx, cs)
		if err != nil && s.dialect.busy(err) {
			s.log.Debug("store busy, retrying", slog.Any("err", err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		s.log.Warn("write rejected", slog.Int("changes", cs.Len()), slog.Any("err", err))
		return err
	}
	s.writes.Add(1)
	s.log.Debug("write committed",
		slog.Int("inserted", len(cs.Inserted)),
		slog.Int("updated", len(cs.Updated)),
		slog.Int("deleted", len(cs.Deleted)),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

func (s *Store) applyOnce(ctx context.Context, cs ChangeSet) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	// Deletes first so a batch may delete and re-insert the same unique key.
	for _, r := range cs.Deleted {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM objects WHERE id = ?`), r.ID); err != nil {
			return fmt.Errorf("delete %s: %w", r.ID, err)
		}
	}
	for _, r := range cs.Updated {
		if err := s.updateTx(ctx, tx, r, now); err != nil {
			return err
		}
	}
	for _, r := range cs.Inserted {
		if err := s.insertTx(ctx, tx, r, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) insertTx(ctx context.Context, tx *sql.Tx, r Record, now string) error {
	e, err := s.entity(r.Entity)
	if err != nil {
		return err
	}
	if err := e.Validate(r.Values); err != nil {
		return err
	}
	key, hasKey := e.UniqueKey(r.Values)
	if hasKey {
		if err := s.checkUniqueTx(ctx, tx, r, key); err != nil {
			return err
		}
	}
	data, err := model.Encode(r.Values)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.ID, err)
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO objects(id, entity, unique_key, data, version, updated_at) VALUES(?, ?, ?, ?, 1, ?)`),
		r.ID, r.Entity, nullKey(key, hasKey), string(data), now)
	if err != nil {
		if s.dialect.uniqueViolation(err) {
			return &UniqueViolationError{Entity: r.Entity, Key: key}
		}
		return fmt.Errorf("insert %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) updateTx(ctx context.Context, tx *sql.Tx, r Record, now string) error {
	e, err := s.entity(r.Entity)
	if err != nil {
		return err
	}
	var data string
	err = tx.QueryRowContext(ctx, s.q(`SELECT data FROM objects WHERE id = ?`), r.ID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update %s %s: %w", r.Entity, r.ID, ErrObjectGone)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", r.ID, err)
	}
	merged, err := e.Decode([]byte(data))
	if err != nil {
		return err
	}
	for k, v := range r.Values {
		merged[k] = v
	}
	if err := e.Validate(merged); err != nil {
		return err
	}
	key, hasKey := e.UniqueKey(merged)
	if hasKey {
		if err := s.checkUniqueTx(ctx, tx, r, key); err != nil {
			return err
		}
	}
	enc, err := model.Encode(merged)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.ID, err)
	}
	_, err = tx.ExecContext(ctx, s.q(`UPDATE objects SET data = ?, unique_key = ?, version = version + 1, updated_at = ? WHERE id = ?`),
		string(enc), nullKey(key, hasKey), now, r.ID)
	if err != nil {
		if s.dialect.uniqueViolation(err) {
			return &UniqueViolationError{Entity: r.Entity, Key: key}
		}
		return fmt.Errorf("update %s: %w", r.ID, err)
	}
	return nil
}

// checkUniqueTx rejects a key already held by another object. The unique index
// is the final guard; this check yields a typed error on every driver.
func (s *Store) checkUniqueTx(ctx context.Context, tx *sql.Tx, r Record, key string) error {
	var other string
	err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM objects WHERE entity = ? AND unique_key = ? AND id <> ?`), r.Entity, key, r.ID).Scan(&other)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("check unique %s[%s]: %w", r.Entity, key, err)
	default:
		return &UniqueViolationError{Entity: r.Entity, Key: key}
	}
}

func nullKey(key string, ok bool) sql.NullString {
	return sql.NullString{String: key, Valid: ok}
}
