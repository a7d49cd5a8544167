package domain

import (
	"encoding/json"
	"fmt"
)

// rawQuizDocument covers both on-disk shapes: the current unified document
// and the legacy per-mode document that predates the `questions` map.
type rawQuizDocument struct {
	Questions   map[string][]Question `json:"questions"`
	ImageBased  map[string][]Question `json:"image-based"`
	TimeLimited map[string][]Question `json:"time-limited"`
}

// DecodeQuizDocument parses a persisted quiz document, resolving the legacy
// shape once at load time: a document without a `questions` map gets its
// unified structure rebuilt from the image-based map (time-limited shares
// that content).
func DecodeQuizDocument(raw []byte) (QuizData, error) {
	if len(raw) == 0 {
		return NewQuizData(), nil
	}
	var doc rawQuizDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return QuizData{}, fmt.Errorf("decode quiz document: %w", err)
	}

	data := QuizData{
		Questions:   doc.Questions,
		ImageBased:  doc.ImageBased,
		TimeLimited: doc.TimeLimited,
	}
	if data.ImageBased == nil {
		data.ImageBased = make(map[string][]Question)
	}
	if data.Questions == nil {
		// Legacy per-mode document: the image-based map is the closest
		// thing to an authoritative structure.
		data.Questions = cloneCategoryMap(data.ImageBased)
	}
	if data.TimeLimited == nil {
		data.TimeLimited = cloneCategoryMap(data.ImageBased)
	}
	return data, nil
}

// EncodeQuizDocument renders the document the way the data files are kept:
// two-space indented JSON.
func EncodeQuizDocument(data QuizData) ([]byte, error) {
	return json.MarshalIndent(data, "", "  ")
}

// DecodeLeaderboardDocument parses a persisted leaderboard document. An
// empty payload yields a fresh document.
func DecodeLeaderboardDocument(raw []byte) (LeaderboardData, error) {
	if len(raw) == 0 {
		return NewLeaderboardData(), nil
	}
	var data LeaderboardData
	if err := json.Unmarshal(raw, &data); err != nil {
		return LeaderboardData{}, fmt.Errorf("decode leaderboard document: %w", err)
	}
	if data.ImageBased == nil {
		data.ImageBased = make(map[string][]LeaderboardEntry)
	}
	if data.TimeLimited == nil {
		data.TimeLimited = make(map[string]map[string][]LeaderboardEntry)
	}
	return data, nil
}

// EncodeLeaderboardDocument renders the document as indented JSON.
func EncodeLeaderboardDocument(data LeaderboardData) ([]byte, error) {
	return json.MarshalIndent(data, "", "  ")
}
