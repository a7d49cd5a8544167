package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"terratueftler-service/internal/domain"
)

// Store persists the quiz and leaderboard documents as JSON files in a data
// directory, whole-document read-modify-write. Writes go through a temp
// file plus rename so a crashed write never leaves a torn document.
type Store struct {
	quizPath        string
	leaderboardPath string
	sf              singleflight.Group
}

// NewStore creates the data directory if needed.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Store{
		quizPath:        filepath.Join(dataDir, "quizData.json"),
		leaderboardPath: filepath.Join(dataDir, "leaderboardData.json"),
	}, nil
}

// LoadQuizData reads and decodes the quiz document. A missing file yields an
// empty document. Concurrent loads are collapsed into one read.
func (s *Store) LoadQuizData(_ context.Context) (domain.QuizData, error) {
	result, err, _ := s.sf.Do("quiz", func() (interface{}, error) {
		raw, err := readOptional(s.quizPath)
		if err != nil {
			return nil, err
		}
		return domain.DecodeQuizDocument(raw)
	})
	if err != nil {
		return domain.QuizData{}, err
	}
	return result.(domain.QuizData), nil
}

// SaveQuizData writes the whole quiz document atomically.
func (s *Store) SaveQuizData(_ context.Context, data domain.QuizData) error {
	raw, err := domain.EncodeQuizDocument(data)
	if err != nil {
		return fmt.Errorf("encode quiz document: %w", err)
	}
	return writeAtomic(s.quizPath, raw)
}

// LoadLeaderboard reads and decodes the leaderboard document.
func (s *Store) LoadLeaderboard(_ context.Context) (domain.LeaderboardData, error) {
	result, err, _ := s.sf.Do("leaderboard", func() (interface{}, error) {
		raw, err := readOptional(s.leaderboardPath)
		if err != nil {
			return nil, err
		}
		return domain.DecodeLeaderboardDocument(raw)
	})
	if err != nil {
		return domain.LeaderboardData{}, err
	}
	return result.(domain.LeaderboardData), nil
}

// SaveLeaderboard writes the whole leaderboard document atomically.
func (s *Store) SaveLeaderboard(_ context.Context, data domain.LeaderboardData) error {
	raw, err := domain.EncodeLeaderboardDocument(data)
	if err != nil {
		return fmt.Errorf("encode leaderboard document: %w", err)
	}
	return writeAtomic(s.leaderboardPath, raw)
}

func readOptional(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}

func writeAtomic(path string, raw []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
