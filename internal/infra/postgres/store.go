package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"terratueftler-service/internal/domain"
)

const (
	quizDocumentID        = "quizData"
	leaderboardDocumentID = "leaderboardData"
)

// Store keeps the quiz and leaderboard documents as JSONB rows, one row per
// document. Saves replace the whole document, matching the file store's
// last-write-wins behavior.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) LoadQuizData(ctx context.Context) (domain.QuizData, error) {
	raw, err := s.loadDocument(ctx, quizDocumentID)
	if err != nil {
		return domain.QuizData{}, fmt.Errorf("load quiz document: %w", err)
	}
	return domain.DecodeQuizDocument(raw)
}

func (s *Store) SaveQuizData(ctx context.Context, data domain.QuizData) error {
	raw, err := domain.EncodeQuizDocument(data)
	if err != nil {
		return err
	}
	return s.saveDocument(ctx, quizDocumentID, raw)
}

func (s *Store) LoadLeaderboard(ctx context.Context) (domain.LeaderboardData, error) {
	raw, err := s.loadDocument(ctx, leaderboardDocumentID)
	if err != nil {
		return domain.LeaderboardData{}, fmt.Errorf("load leaderboard document: %w", err)
	}
	return domain.DecodeLeaderboardDocument(raw)
}

func (s *Store) SaveLeaderboard(ctx context.Context, data domain.LeaderboardData) error {
	raw, err := domain.EncodeLeaderboardDocument(data)
	if err != nil {
		return err
	}
	return s.saveDocument(ctx, leaderboardDocumentID, raw)
}

// loadDocument returns nil when the document row does not exist yet; the
// domain decoders turn that into an empty document.
func (s *Store) loadDocument(ctx context.Context, id string) ([]byte, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM documents WHERE id=$1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *Store) saveDocument(ctx context.Context, id string, raw []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		id, raw)
	if err != nil {
		return fmt.Errorf("save document %s: %w", id, err)
	}
	return nil
}
