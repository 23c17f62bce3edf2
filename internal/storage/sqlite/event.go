package sqlite

import (
	"context"
	"database/sql"
	"time"

	km "github.com/eugener/palantir/internal"
)

// InsertEvents persists a batch of application events in one transaction.
func (s *Store) InsertEvents(ctx context.Context, events []km.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		var payload sql.NullString
		if len(e.Payload) > 0 {
			payload = sql.NullString{String: string(e.Payload), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, name, payload, created_at) VALUES (?, ?, ?, ?)`,
			e.ID, e.Name, payload, e.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
