// Package transcript is the external collaborator the core writes call audit
// records through: find-or-create a conversation row per call, append
// transcript turns, and mark completion.
package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is backed by Postgres. Constructed once and passed by reference.
type Store struct {
	db *pgxpool.Pool
}

// New wraps an already-configured pgxpool.Pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// FindOrCreateConversation returns the id of an existing conversation for
// callID, whatever its status, or inserts a new conversations row and
// returns its id.
func (s *Store) FindOrCreateConversation(ctx context.Context, callID, patientID string, startTime time.Time) (string, error) {
	var id string
	err := s.db.QueryRow(ctx,
		`SELECT id FROM conversations WHERE call_id = $1`, callID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("transcript: find conversation for %s: %w", callID, err)
	}

	id = uuid.New().String()
	_, err = s.db.Exec(ctx,
		`INSERT INTO conversations (id, call_id, patient_id, status, start_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, callID, patientID, "in_progress", startTime, time.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("transcript: create conversation for %s: %w", callID, err)
	}
	return id, nil
}

// AppendMessage records one transcript turn.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO conversation_messages (id, conversation_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), conversationID, role, content, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("transcript: append message to %s: %w", conversationID, err)
	}
	return nil
}

// Complete marks conversationID finished. The two fields the core writes
// beyond the initial insert are status and end_time.
func (s *Store) Complete(ctx context.Context, conversationID string, endTime time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE conversations SET status = $1, end_time = $2 WHERE id = $3`,
		"completed", endTime, conversationID,
	)
	if err != nil {
		return fmt.Errorf("transcript: complete conversation %s: %w", conversationID, err)
	}
	return nil
}
