package domain

import (
	"strconv"
	"time"
)

// Quiz modes. Time-limited play reuses the image-based question pool; the
// distinction only matters for session behavior and leaderboard bucketing.
const (
	ModeImageBased  = "image-based"
	ModeTimeLimited = "time-limited"
)

// AllCategory is the synthetic aggregate category. It is recomputed from the
// real categories and can never be mutated directly.
const AllCategory = "all"

// NoImageSentinel stands in for an absent image when building the identity
// key used for aggregate deduplication.
const NoImageSentinel = "no-image"

// Question is a single quiz item. There is no identifier field; identity
// across the redundant structures is structural (see Matches).
type Question struct {
	Question      string   `json:"question,omitempty"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correctAnswer"`
	Image         string   `json:"image,omitempty"`
	Explanation   string   `json:"explanation,omitempty"`
	StreetViewURL string   `json:"streetViewUrl,omitempty"`
}

// DedupKey is the (image, correctAnswer) pair used by the aggregate builder
// to decide whether two questions are the same content.
func (q Question) DedupKey() string {
	image := q.Image
	if image == "" {
		image = NoImageSentinel
	}
	return image + "_" + q.CorrectAnswer
}

// Matches reports whether other is the structurally-same record: same
// correct answer, same image, and the same options in the same order.
func (q Question) Matches(other Question) bool {
	if q.CorrectAnswer != other.CorrectAnswer || q.Image != other.Image {
		return false
	}
	if len(q.Options) != len(other.Options) {
		return false
	}
	for i := range q.Options {
		if q.Options[i] != other.Options[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so snapshots are immune to later edits.
func (q Question) Clone() Question {
	out := q
	out.Options = append([]string(nil), q.Options...)
	return out
}

// QuizData is the persisted quiz document: the authoritative unified map
// plus the two legacy per-mode maps mirrored from it.
type QuizData struct {
	Questions   map[string][]Question `json:"questions"`
	ImageBased  map[string][]Question `json:"image-based"`
	TimeLimited map[string][]Question `json:"time-limited"`
}

// NewQuizData returns an empty document with all three maps allocated.
func NewQuizData() QuizData {
	return QuizData{
		Questions:   make(map[string][]Question),
		ImageBased:  make(map[string][]Question),
		TimeLimited: make(map[string][]Question),
	}
}

// Clone deep-copies the whole document.
func (d QuizData) Clone() QuizData {
	return QuizData{
		Questions:   cloneCategoryMap(d.Questions),
		ImageBased:  cloneCategoryMap(d.ImageBased),
		TimeLimited: cloneCategoryMap(d.TimeLimited),
	}
}

func cloneCategoryMap(in map[string][]Question) map[string][]Question {
	out := make(map[string][]Question, len(in))
	for category, questions := range in {
		out[category] = CloneQuestions(questions)
	}
	return out
}

// CloneQuestions deep-copies a question slice.
func CloneQuestions(in []Question) []Question {
	out := make([]Question, len(in))
	for i, q := range in {
		out[i] = q.Clone()
	}
	return out
}

// LeaderboardEntry is one completed play-through.
type LeaderboardEntry struct {
	Name           string    `json:"name"`
	CorrectAnswers int       `json:"correctAnswers"`
	TotalQuestions int       `json:"totalQuestions"`
	MaxStreak      int       `json:"maxStreak"`
	CompletedAt    time.Time `json:"completedAt"`
	Mode           string    `json:"mode"`
	Category       string    `json:"category"`
	TimeLimit      *float64  `json:"timeLimit,omitempty"`
}

// Accuracy is CorrectAnswers over TotalQuestions, zero when no questions.
func (e LeaderboardEntry) Accuracy() float64 {
	if e.TotalQuestions == 0 {
		return 0
	}
	return float64(e.CorrectAnswers) / float64(e.TotalQuestions)
}

// LeaderboardMetadata mirrors the _metadata block of the persisted document.
type LeaderboardMetadata struct {
	Version      string    `json:"version"`
	LastUpdated  time.Time `json:"lastUpdated"`
	TotalEntries int       `json:"totalEntries"`
	Description  string    `json:"description,omitempty"`
}

// LeaderboardData is the persisted leaderboard document. Image-based buckets
// are keyed by category; time-limited buckets additionally by the selected
// image duration (shortest decimal form, e.g. "0.5").
type LeaderboardData struct {
	ImageBased  map[string][]LeaderboardEntry            `json:"image-based"`
	TimeLimited map[string]map[string][]LeaderboardEntry `json:"time-limited"`
	Metadata    LeaderboardMetadata                      `json:"_metadata"`
}

// NewLeaderboardData returns an empty document with maps allocated.
func NewLeaderboardData() LeaderboardData {
	return LeaderboardData{
		ImageBased:  make(map[string][]LeaderboardEntry),
		TimeLimited: make(map[string]map[string][]LeaderboardEntry),
		Metadata:    LeaderboardMetadata{Version: "1.0"},
	}
}

// TimeLimitKey renders a time limit the way bucket keys are stored on disk:
// the shortest decimal representation ("1", "0.5").
func TimeLimitKey(limit float64) string {
	return strconv.FormatFloat(limit, 'f', -1, 64)
}

// LeaderboardStatistics is the aggregate view over every bucket.
type LeaderboardStatistics struct {
	TotalEntries  int                       `json:"totalEntries"`
	TotalPlayers  int                       `json:"totalPlayers"`
	TopPerformers []LeaderboardEntry        `json:"topPerformers"`
	CategoryStats map[string]map[string]int `json:"categoryStats"`
	LastUpdated   time.Time                 `json:"lastUpdated"`
}
