package app

import (
	"math/rand"
	"sync"
	"time"

	"terratueftler-service/internal/domain"
)

// AnonymousName is the default player name; sessions finished under it do
// not produce a leaderboard entry.
const AnonymousName = "Anonym"

// ScheduleFunc runs fn after d and returns a cancel function. Injectable so
// the reveal countdown is deterministic in tests.
type ScheduleFunc func(d time.Duration, fn func()) (cancel func() bool)

func realSchedule(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// SessionConfig describes one play-through.
type SessionConfig struct {
	Mode       string
	Category   string
	PlayerName string
	// TimeLimit is the image visibility duration in seconds, time-limited
	// mode only.
	TimeLimit float64
}

type questionState struct {
	answered  bool
	locked    bool
	answer    string
	hasAnswer bool
	correct   bool
}

// SubmitOutcome reports the scoring effect of one Submit call.
type SubmitOutcome struct {
	Correct       bool   `json:"correct"`
	Timeout       bool   `json:"timeout"`
	CorrectAnswer string `json:"correctAnswer"`
	Explanation   string `json:"explanation,omitempty"`
	Score         int    `json:"score"`
	CurrentStreak int    `json:"currentStreak"`
	MaxStreak     int    `json:"maxStreak"`
}

// QuestionView is the presentation snapshot of the current question.
type QuestionView struct {
	Prompt         string   `json:"prompt,omitempty"`
	Options        []string `json:"options"`
	Image          string   `json:"image,omitempty"`
	StreetViewURL  string   `json:"streetViewUrl,omitempty"`
	Answered       bool     `json:"answered"`
	Locked         bool     `json:"locked"`
	SelectedAnswer string   `json:"selectedAnswer,omitempty"`
	CorrectAnswer  string   `json:"correctAnswer,omitempty"`
	Explanation    string   `json:"explanation,omitempty"`
}

// SessionView is a read-only snapshot for the presentation layer.
type SessionView struct {
	ID            string        `json:"id"`
	Mode          string        `json:"mode"`
	Category      string        `json:"category"`
	PlayerName    string        `json:"playerName"`
	Index         int           `json:"index"`
	Total         int           `json:"total"`
	Score         int           `json:"score"`
	CurrentStreak int           `json:"currentStreak"`
	MaxStreak     int           `json:"maxStreak"`
	Finished      bool          `json:"finished"`
	ImageVisible  bool          `json:"imageVisible"`
	Question      *QuestionView `json:"question,omitempty"`
}

// Session is the state machine for a single play-through. It operates on a
// shuffled snapshot of the category's questions, so content edits during
// play do not affect it. All methods are safe for one driver goroutine plus
// the reveal timer callback.
type Session struct {
	mu sync.Mutex

	id  string
	cfg SessionConfig

	questions []domain.Question
	states    []questionState
	index     int

	score     int
	streak    int
	maxStreak int
	finished  bool

	// Image-reveal phase bookkeeping (time-limited mode). revealGen guards
	// against a stale timer callback touching a later question.
	revealActive bool
	revealGen    int
	cancelReveal func() bool

	now      func() time.Time
	schedule ScheduleFunc
}

// NewSession shuffles a snapshot of questions and enters the first question.
// Fails with ErrEmptyCategory when there is nothing to play.
func NewSession(id string, cfg SessionConfig, questions []domain.Question, rnd *rand.Rand, now func() time.Time, schedule ScheduleFunc) (*Session, error) {
	if len(questions) == 0 {
		return nil, domain.ErrEmptyCategory
	}
	if cfg.Mode != domain.ModeImageBased && cfg.Mode != domain.ModeTimeLimited {
		return nil, domain.Validationf("unknown quiz mode %q", cfg.Mode)
	}
	if cfg.Mode == domain.ModeTimeLimited && (cfg.TimeLimit < 0.1 || cfg.TimeLimit > 3) {
		return nil, domain.Validationf("image time limit must be between 0.1 and 3 seconds")
	}
	if cfg.PlayerName == "" {
		cfg.PlayerName = AnonymousName
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if now == nil {
		now = time.Now
	}
	if schedule == nil {
		schedule = realSchedule
	}

	shuffled := domain.CloneQuestions(questions)
	rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	s := &Session{
		id:        id,
		cfg:       cfg,
		questions: shuffled,
		states:    make([]questionState, len(shuffled)),
		now:       now,
		schedule:  schedule,
	}
	s.mu.Lock()
	s.startRevealLocked()
	s.mu.Unlock()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// SelectAnswer records a provisional answer. Ignored once the question has
// been answered or locked; selecting is always permitted during the reveal
// countdown (early answers are accepted).
func (s *Session) SelectAnswer(option string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	state := &s.states[s.index]
	if state.answered || state.locked {
		return
	}
	state.answer = option
	state.hasAnswer = true
}

// Submit scores the current question once. A submit with no recorded answer
// counts as an incorrect timeout. Calls on an answered or locked question
// are no-ops, reported by ok=false.
func (s *Session) Submit() (SubmitOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return SubmitOutcome{}, false
	}
	state := &s.states[s.index]
	if state.answered || state.locked {
		return SubmitOutcome{}, false
	}

	s.stopRevealLocked()

	question := s.questions[s.index]
	correct := state.hasAnswer && state.answer == question.CorrectAnswer
	state.answered = true
	state.correct = correct
	if correct {
		s.score++
		s.streak++
		if s.streak > s.maxStreak {
			s.maxStreak = s.streak
		}
	}
	// A wrong answer leaves the streak untouched: the streak is a running
	// session counter, not reset on misses.

	return SubmitOutcome{
		Correct:       correct,
		Timeout:       !state.hasAnswer,
		CorrectAnswer: question.CorrectAnswer,
		Explanation:   question.Explanation,
		Score:         s.score,
		CurrentStreak: s.streak,
		MaxStreak:     s.maxStreak,
	}, true
}

// Advance locks the current question and moves forward. When the last
// question is passed the session finishes and the leaderboard entry (nil
// for anonymous players) is returned with finished=true.
func (s *Session) Advance() (*domain.LeaderboardEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil, true
	}
	s.stopRevealLocked()
	s.states[s.index].locked = true

	if s.index+1 >= len(s.questions) {
		return s.finishLocked(), true
	}
	s.index++
	s.startRevealLocked()
	return nil, false
}

// Retreat moves back one question. Locked questions stay read-only; nothing
// is unlocked by revisiting.
func (s *Session) Retreat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.index == 0 {
		return
	}
	s.stopRevealLocked()
	s.index--
	s.startRevealLocked()
}

// Finish ends the session from any in-progress state (explicit quit) and
// returns the leaderboard entry, nil for anonymous players.
func (s *Session) Finish() (*domain.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil, domain.ErrSessionFinished
	}
	return s.finishLocked(), nil
}

func (s *Session) finishLocked() *domain.LeaderboardEntry {
	s.stopRevealLocked()
	s.finished = true
	if s.cfg.PlayerName == AnonymousName {
		return nil
	}
	entry := &domain.LeaderboardEntry{
		Name:           s.cfg.PlayerName,
		CorrectAnswers: s.score,
		TotalQuestions: len(s.questions),
		MaxStreak:      s.maxStreak,
		CompletedAt:    s.now(),
		Mode:           s.cfg.Mode,
		Category:       s.cfg.Category,
	}
	if s.cfg.Mode == domain.ModeTimeLimited {
		limit := s.cfg.TimeLimit
		entry.TimeLimit = &limit
	}
	return entry
}

// View returns a presentation snapshot of the session.
func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := SessionView{
		ID:            s.id,
		Mode:          s.cfg.Mode,
		Category:      s.cfg.Category,
		PlayerName:    s.cfg.PlayerName,
		Index:         s.index,
		Total:         len(s.questions),
		Score:         s.score,
		CurrentStreak: s.streak,
		MaxStreak:     s.maxStreak,
		Finished:      s.finished,
	}
	if s.finished {
		return view
	}

	question := s.questions[s.index]
	state := s.states[s.index]
	imageVisible := s.cfg.Mode == domain.ModeImageBased || s.revealActive
	view.ImageVisible = imageVisible

	qv := &QuestionView{
		Prompt:   question.Question,
		Options:  append([]string(nil), question.Options...),
		Answered: state.answered,
		Locked:   state.locked,
	}
	if imageVisible {
		qv.Image = question.Image
	}
	if state.hasAnswer {
		qv.SelectedAnswer = state.answer
	}
	// The answer, explanation, and Street View link stay hidden until the
	// question has been answered.
	if state.answered {
		qv.CorrectAnswer = question.CorrectAnswer
		qv.Explanation = question.Explanation
		qv.StreetViewURL = question.StreetViewURL
	}
	view.Question = qv
	return view
}

// startRevealLocked begins the image countdown for the current question in
// time-limited mode. Locked questions get no reveal phase.
func (s *Session) startRevealLocked() {
	if s.cfg.Mode != domain.ModeTimeLimited {
		return
	}
	if s.states[s.index].locked || s.states[s.index].answered {
		return
	}
	s.revealActive = true
	s.revealGen++
	gen := s.revealGen
	duration := time.Duration(s.cfg.TimeLimit * float64(time.Second))
	s.cancelReveal = s.schedule(duration, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// Stale callback for an earlier question or a cancelled phase.
		if s.revealGen != gen || s.finished {
			return
		}
		s.revealActive = false
	})
}

// stopRevealLocked cancels any pending reveal countdown. Called on every
// path that leaves the timed phase so no callback outlives its question.
func (s *Session) stopRevealLocked() {
	if s.cancelReveal != nil {
		s.cancelReveal()
		s.cancelReveal = nil
	}
	s.revealGen++
	s.revealActive = false
}
