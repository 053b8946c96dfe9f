package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ErrReservationConflict is returned by AcquireReservation when the key
// is held by another unexpired holder. Conflict is not a Go error in the
// usual sense, so callers that want the winner's data should inspect the
// returned *Reservation rather than typed-error-assert.
var ErrReservationConflict = fmt.Errorf("reservation held by another holder")

// AcquireReservation inserts resource_key for holderAgentID, or
// overwrites it if the existing row has already expired. On conflict
// with a still-held row, it returns (currentHolder, ErrReservationConflict).
// The insert/conflict-check/overwrite happens in one statement so two
// concurrent acquirers can never both "win".
func (s *Store) AcquireReservation(res *Reservation, now time.Time) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO reservations (project_id, resource_key, holder_agent_id, holder_alias, acquired_at, expires_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, resource_key) DO UPDATE SET
			holder_agent_id = excluded.holder_agent_id,
			holder_alias = excluded.holder_alias,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at,
			metadata_json = excluded.metadata_json
		WHERE reservations.expires_at <= ?`,
		res.ProjectID, res.ResourceKey, res.HolderAgentID, res.HolderAlias, res.AcquiredAt, res.ExpiresAt, res.MetadataJSON, now,
	)
	if err != nil {
		return nil, fmt.Errorf("acquire reservation: %w", err)
	}

	current, err := s.getReservationLocked(res.ProjectID, res.ResourceKey)
	if err != nil {
		return nil, err
	}
	if current.HolderAgentID != res.HolderAgentID || !current.AcquiredAt.Equal(res.AcquiredAt) {
		return current, ErrReservationConflict
	}
	return current, nil
}

func (s *Store) getReservationLocked(projectID, resourceKey string) (*Reservation, error) {
	r := &Reservation{}
	err := s.db.QueryRow(`
		SELECT project_id, resource_key, holder_agent_id, holder_alias, acquired_at, expires_at, metadata_json
		FROM reservations WHERE project_id = ? AND resource_key = ?`,
		projectID, resourceKey,
	).Scan(&r.ProjectID, &r.ResourceKey, &r.HolderAgentID, &r.HolderAlias, &r.AcquiredAt, &r.ExpiresAt, &r.MetadataJSON)
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// GetReservation fetches a reservation row regardless of expiry, or nil
// if no row exists.
func (s *Store) GetReservation(projectID, resourceKey string) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := &Reservation{}
	err := s.db.QueryRow(`
		SELECT project_id, resource_key, holder_agent_id, holder_alias, acquired_at, expires_at, metadata_json
		FROM reservations WHERE project_id = ? AND resource_key = ?`,
		projectID, resourceKey,
	).Scan(&r.ProjectID, &r.ResourceKey, &r.HolderAgentID, &r.HolderAlias, &r.AcquiredAt, &r.ExpiresAt, &r.MetadataJSON)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// RenewReservation extends an unexpired row's expires_at, provided
// holderAgentID currently holds it. Returns the updated row, or nil if
// no matching unexpired row owned by holderAgentID exists.
func (s *Store) RenewReservation(projectID, resourceKey, holderAgentID string, newExpiresAt, now time.Time) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE reservations SET expires_at = ?
		WHERE project_id = ? AND resource_key = ? AND holder_agent_id = ? AND expires_at > ?`,
		newExpiresAt, projectID, resourceKey, holderAgentID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("renew reservation: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, nil
	}
	return s.getReservationLocked(projectID, resourceKey)
}

// ReleaseReservation deletes resource_key iff held by holderAgentID and
// unexpired, or iff the row has already expired (anyone may clean up an
// expired row). Returns whether a row was deleted.
func (s *Store) ReleaseReservation(projectID, resourceKey, holderAgentID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		DELETE FROM reservations
		WHERE project_id = ? AND resource_key = ?
		AND (holder_agent_id = ? OR expires_at <= ?)`,
		projectID, resourceKey, holderAgentID, now,
	)
	if err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ListReservations returns unexpired reservations for a project,
// optionally filtered to resource_key values with the given prefix.
func (s *Store) ListReservations(projectID, prefix string, now time.Time) ([]Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT project_id, resource_key, holder_agent_id, holder_alias, acquired_at, expires_at, metadata_json
		FROM reservations WHERE project_id = ? AND expires_at > ?`
	args := []any{projectID, now}
	if prefix != "" {
		query += ` AND resource_key LIKE ? ESCAPE '\'`
		args = append(args, likePrefix(prefix))
	}
	query += ` ORDER BY resource_key`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var reservations []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ProjectID, &r.ResourceKey, &r.HolderAgentID, &r.HolderAlias, &r.AcquiredAt, &r.ExpiresAt, &r.MetadataJSON); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		reservations = append(reservations, r)
	}
	return reservations, rows.Err()
}

func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix))
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '\\', '%', '_':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, prefix[i])
	}
	return string(escaped) + "%"
}
