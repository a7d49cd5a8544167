package app

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"terratueftler-service/internal/domain"
	"terratueftler-service/internal/logging"
)

// QuizStore persists the quiz document as a whole (on disk or in Postgres).
// Reads and writes cover the entire document; there is no incremental path.
type QuizStore interface {
	LoadQuizData(ctx context.Context) (domain.QuizData, error)
	SaveQuizData(ctx context.Context, data domain.QuizData) error
}

// AssetStore writes and removes question images. Deletions are best-effort;
// failures are logged by the caller, never escalated.
type AssetStore interface {
	// SaveImage stores the payload under the category's folder and returns
	// the relative path to record on the question. correctAnswer may yield a
	// country-code filename.
	SaveImage(category, originalName, correctAnswer string, data []byte) (string, error)
	DeleteImage(path string) error
	RemoveCategoryFolderIfEmpty(category string) error
	// IsManagedPath reports whether path points into the locally-managed
	// image tree (external URLs are never deleted).
	IsManagedPath(path string) bool
}

// TokenStore suppresses duplicate admin requests. Reserve returns false when
// the token is already in flight; Release frees it after a failed write so
// the client may retry.
type TokenStore interface {
	Reserve(ctx context.Context, token string) (bool, error)
	Release(ctx context.Context, token string)
}

// ImageUpload is an image payload accompanying an add or edit call.
type ImageUpload struct {
	Name string
	Data []byte
}

// AddQuestionResult reports the stored image path, if any.
type AddQuestionResult struct {
	ImagePath string `json:"imagePath,omitempty"`
}

// EditQuestionResult reports the new and previous image paths.
type EditQuestionResult struct {
	ImagePath    string `json:"imagePath,omitempty"`
	OldImagePath string `json:"oldImagePath,omitempty"`
}

// DeleteQuestionResult reports the removed image, if one was deleted.
type DeleteQuestionResult struct {
	DeletedImagePath string `json:"deletedImagePath,omitempty"`
}

// DeleteCategoryResult reports what a category removal touched.
type DeleteCategoryResult struct {
	DeletedQuestions int      `json:"deletedQuestions"`
	DeletedImages    []string `json:"deletedImages"`
	AffectedModes    []string `json:"affectedModes"`
}

var categoryNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// ContentService owns the in-memory quiz document and keeps its three
// structures consistent across mutations. One mutex serializes mutations per
// instance; persistence stays whole-document last-write-wins.
type ContentService struct {
	mu     sync.Mutex
	data   domain.QuizData
	store  QuizStore
	assets AssetStore
	tokens TokenStore
	log    *logging.Logger
}

// NewContentService loads the document, rebuilds the aggregate, and persists
// the result so the "all" category is valid from process start.
func NewContentService(ctx context.Context, store QuizStore, assets AssetStore, tokens TokenStore, log *logging.Logger) (*ContentService, error) {
	data, err := store.LoadQuizData(ctx)
	if err != nil {
		return nil, fmt.Errorf("load quiz data: %w", err)
	}
	normalizeQuizData(&data)
	recomputeAll(&data)
	if err := store.SaveQuizData(ctx, data); err != nil {
		return nil, fmt.Errorf("persist quiz data on startup: %w", err)
	}
	return &ContentService{
		data:   data,
		store:  store,
		assets: assets,
		tokens: tokens,
		log:    log,
	}, nil
}

// QuizData returns a deep copy of the current document.
func (s *ContentService) QuizData() domain.QuizData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

// SessionQuestions returns a snapshot of the category's questions for a
// play-through: the unified structure when the category exists there, else
// the mode-appropriate legacy structure.
func (s *ContentService) SessionQuestions(mode, category string) []domain.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	if questions, ok := s.data.Questions[category]; ok {
		return domain.CloneQuestions(questions)
	}
	legacy := s.data.ImageBased
	if mode != domain.ModeTimeLimited && mode != domain.ModeImageBased {
		return nil
	}
	return domain.CloneQuestions(legacy[category])
}

// AddQuestion validates and appends a question to the category in all three
// structures, storing the image payload first when one is supplied.
func (s *ContentService) AddQuestion(ctx context.Context, category string, question domain.Question, image *ImageUpload, token string) (AddQuestionResult, error) {
	if err := validateCategoryTarget(category); err != nil {
		return AddQuestionResult{}, err
	}
	if err := validateQuestion(question); err != nil {
		return AddQuestionResult{}, err
	}
	release, err := s.reserveToken(ctx, token)
	if err != nil {
		return AddQuestionResult{}, err
	}

	if image != nil {
		path, err := s.assets.SaveImage(category, image.Name, question.CorrectAnswer, image.Data)
		if err != nil {
			release()
			return AddQuestionResult{}, fmt.Errorf("store image: %w", err)
		}
		question.Image = path
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.Clone()
	next.Questions[category] = append(next.Questions[category], question.Clone())
	next.ImageBased[category] = append(next.ImageBased[category], question.Clone())
	next.TimeLimited[category] = append(next.TimeLimited[category], question.Clone())
	recomputeAll(&next)

	if err := s.store.SaveQuizData(ctx, next); err != nil {
		release()
		return AddQuestionResult{}, fmt.Errorf("persist quiz data: %w", err)
	}
	s.data = next
	return AddQuestionResult{ImagePath: question.Image}, nil
}

// EditQuestion replaces the question at index in the unified structure and
// reconciles the change into both legacy structures by structural matching.
// A sibling without a match is left unchanged and logged, never failed.
func (s *ContentService) EditQuestion(ctx context.Context, category string, index int, question domain.Question, image *ImageUpload, token string) (EditQuestionResult, error) {
	if err := validateCategoryTarget(category); err != nil {
		return EditQuestionResult{}, err
	}
	if err := validateQuestion(question); err != nil {
		return EditQuestionResult{}, err
	}

	s.mu.Lock()
	anchor, err := s.questionAt(category, index)
	s.mu.Unlock()
	if err != nil {
		return EditQuestionResult{}, err
	}

	release, err := s.reserveToken(ctx, token)
	if err != nil {
		return EditQuestionResult{}, err
	}

	oldImage := anchor.Image
	if image != nil {
		path, err := s.assets.SaveImage(category, image.Name, question.CorrectAnswer, image.Data)
		if err != nil {
			release()
			return EditQuestionResult{}, fmt.Errorf("store image: %w", err)
		}
		question.Image = path
	} else {
		question.Image = oldImage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the lock; the anchor may have moved since validation.
	anchor, err = s.questionAt(category, index)
	if err != nil {
		release()
		return EditQuestionResult{}, err
	}

	next := s.data.Clone()
	next.Questions[category][index] = question.Clone()
	s.reconcileEdit(&next, category, anchor, question)
	recomputeAll(&next)

	if err := s.store.SaveQuizData(ctx, next); err != nil {
		release()
		return EditQuestionResult{}, fmt.Errorf("persist quiz data: %w", err)
	}
	s.data = next

	// The old image file goes away only after the new document is durable.
	if image != nil && oldImage != "" && oldImage != question.Image && s.assets.IsManagedPath(oldImage) {
		if err := s.assets.DeleteImage(oldImage); err != nil {
			s.log.Warnf("could not delete replaced image %s: %v", oldImage, err)
		}
	}
	return EditQuestionResult{ImagePath: question.Image, OldImagePath: oldImage}, nil
}

// DeleteQuestion removes the question at index from the unified structure,
// deletes its managed image file, and reconciles the removal into both
// legacy structures.
func (s *ContentService) DeleteQuestion(ctx context.Context, category string, index int) (DeleteQuestionResult, error) {
	if err := validateCategoryTarget(category); err != nil {
		return DeleteQuestionResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	anchor, err := s.questionAt(category, index)
	if err != nil {
		return DeleteQuestionResult{}, err
	}

	next := s.data.Clone()
	unified := next.Questions[category]
	next.Questions[category] = append(unified[:index:index], unified[index+1:]...)
	s.reconcileDelete(&next, category, anchor)
	recomputeAll(&next)

	if err := s.store.SaveQuizData(ctx, next); err != nil {
		return DeleteQuestionResult{}, fmt.Errorf("persist quiz data: %w", err)
	}
	s.data = next

	var deleted string
	if anchor.Image != "" && s.assets.IsManagedPath(anchor.Image) {
		if err := s.assets.DeleteImage(anchor.Image); err != nil {
			s.log.Warnf("could not delete image %s: %v", anchor.Image, err)
		} else {
			deleted = anchor.Image
		}
	}
	return DeleteQuestionResult{DeletedImagePath: deleted}, nil
}

// DeleteCategory removes the category from every structure, deletes the
// managed image files its questions referenced, and removes the category's
// image folder when it ends up empty.
func (s *ContentService) DeleteCategory(ctx context.Context, category string) (DeleteCategoryResult, error) {
	if strings.EqualFold(category, domain.AllCategory) {
		return DeleteCategoryResult{}, domain.Validationf("the %q category is maintained automatically and cannot be deleted", domain.AllCategory)
	}
	if category == "" {
		return DeleteCategoryResult{}, domain.Validationf("category name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := DeleteCategoryResult{DeletedImages: []string{}, AffectedModes: []string{}}
	next := s.data.Clone()

	imagePaths := make(map[string]struct{})
	for _, structure := range []struct {
		mode string
		m    map[string][]domain.Question
	}{
		{domain.ModeImageBased, next.ImageBased},
		{domain.ModeTimeLimited, next.TimeLimited},
	} {
		questions, ok := structure.m[category]
		if !ok {
			continue
		}
		result.DeletedQuestions += len(questions)
		result.AffectedModes = append(result.AffectedModes, structure.mode)
		for _, q := range questions {
			if q.Image != "" && s.assets.IsManagedPath(q.Image) {
				imagePaths[q.Image] = struct{}{}
			}
		}
		delete(structure.m, category)
	}
	delete(next.Questions, category)
	recomputeAll(&next)

	if err := s.store.SaveQuizData(ctx, next); err != nil {
		return DeleteCategoryResult{}, fmt.Errorf("persist quiz data: %w", err)
	}
	s.data = next

	for _, path := range sortedKeys(imagePaths) {
		if err := s.assets.DeleteImage(path); err != nil {
			s.log.Warnf("could not delete image %s: %v", path, err)
			continue
		}
		result.DeletedImages = append(result.DeletedImages, path)
	}
	if err := s.assets.RemoveCategoryFolderIfEmpty(category); err != nil {
		s.log.Warnf("could not remove image folder for %s: %v", category, err)
	}
	return result, nil
}

// AddCategory creates an empty category in each requested mode's structure.
// Time-limited mode shares the image-based structure.
func (s *ContentService) AddCategory(ctx context.Context, category string, modes []string) error {
	if !categoryNameRe.MatchString(category) {
		return domain.Validationf("category name may only contain lowercase letters, digits, and underscores")
	}
	if strings.EqualFold(category, domain.AllCategory) {
		return domain.Validationf("the %q category is maintained automatically", domain.AllCategory)
	}
	if len(modes) == 0 {
		return domain.Validationf("at least one quiz mode is required")
	}
	for _, mode := range modes {
		if mode != domain.ModeImageBased && mode != domain.ModeTimeLimited {
			return domain.Validationf("unknown quiz mode %q", mode)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []string
	for _, mode := range modes {
		if _, ok := s.data.ImageBased[category]; ok {
			conflicts = append(conflicts, mode)
		}
	}
	if len(conflicts) > 0 {
		return &domain.CategoryExistsError{Category: category, Modes: conflicts}
	}

	next := s.data.Clone()
	// Both modes resolve to the shared image-based structure; the
	// time-limited map mirrors it so the new category exists everywhere.
	next.ImageBased[category] = []domain.Question{}
	next.TimeLimited[category] = []domain.Question{}

	if err := s.store.SaveQuizData(ctx, next); err != nil {
		return fmt.Errorf("persist quiz data: %w", err)
	}
	s.data = next
	return nil
}

// SetQuizData replaces the whole document (admin import flow). The incoming
// document is normalized and the aggregate rebuilt before persisting.
func (s *ContentService) SetQuizData(ctx context.Context, data domain.QuizData) error {
	normalizeQuizData(&data)
	recomputeAll(&data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SaveQuizData(ctx, data); err != nil {
		return fmt.Errorf("persist quiz data: %w", err)
	}
	s.data = data.Clone()
	return nil
}

func (s *ContentService) questionAt(category string, index int) (domain.Question, error) {
	questions, ok := s.data.Questions[category]
	if !ok {
		return domain.Question{}, domain.ErrCategoryNotFound
	}
	if index < 0 || index >= len(questions) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return questions[index].Clone(), nil
}

func (s *ContentService) reserveToken(ctx context.Context, token string) (func(), error) {
	if token == "" || s.tokens == nil {
		return func() {}, nil
	}
	ok, err := s.tokens.Reserve(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("reserve request token: %w", err)
	}
	if !ok {
		return nil, domain.ErrDuplicateRequest
	}
	return func() { s.tokens.Release(ctx, token) }, nil
}

// reconcileEdit applies the replacement to each legacy structure at the
// position of the structurally-matching record.
func (s *ContentService) reconcileEdit(data *domain.QuizData, category string, anchor, replacement domain.Question) {
	for _, structure := range []struct {
		mode string
		m    map[string][]domain.Question
	}{
		{domain.ModeImageBased, data.ImageBased},
		{domain.ModeTimeLimited, data.TimeLimited},
	} {
		siblings, ok := structure.m[category]
		if !ok {
			continue
		}
		i := findSibling(siblings, anchor)
		if i < 0 {
			s.log.Warnf("no matching question in %s.%s for edit", structure.mode, category)
			continue
		}
		siblings[i] = replacement.Clone()
	}
}

// reconcileDelete removes the structurally-matching record from each legacy
// structure.
func (s *ContentService) reconcileDelete(data *domain.QuizData, category string, anchor domain.Question) {
	for _, structure := range []struct {
		mode string
		m    map[string][]domain.Question
	}{
		{domain.ModeImageBased, data.ImageBased},
		{domain.ModeTimeLimited, data.TimeLimited},
	} {
		siblings, ok := structure.m[category]
		if !ok {
			continue
		}
		i := findSibling(siblings, anchor)
		if i < 0 {
			s.log.Warnf("no matching question in %s.%s for deletion", structure.mode, category)
			continue
		}
		structure.m[category] = append(siblings[:i:i], siblings[i+1:]...)
	}
}

// findSibling returns the first structurally-matching index, or -1. The
// linear scan is deliberate: questions carry no stable identifier.
func findSibling(siblings []domain.Question, anchor domain.Question) int {
	for i, q := range siblings {
		if q.Matches(anchor) {
			return i
		}
	}
	return -1
}

// recomputeAll rebuilds the synthetic "all" category as the deduplicated
// union of every real category in the unified structure, and assigns the
// identical list to all three structures. Full recompute, not incremental.
func recomputeAll(data *domain.QuizData) {
	categories := make([]string, 0, len(data.Questions))
	for category := range data.Questions {
		if category != domain.AllCategory {
			categories = append(categories, category)
		}
	}
	sort.Strings(categories)

	var aggregate []domain.Question
	seen := make(map[string]struct{})
	for _, category := range categories {
		for _, q := range data.Questions[category] {
			key := q.DedupKey()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			aggregate = append(aggregate, q.Clone())
		}
	}
	if aggregate == nil {
		aggregate = []domain.Question{}
	}

	data.Questions[domain.AllCategory] = domain.CloneQuestions(aggregate)
	data.ImageBased[domain.AllCategory] = domain.CloneQuestions(aggregate)
	data.TimeLimited[domain.AllCategory] = domain.CloneQuestions(aggregate)
}

func normalizeQuizData(data *domain.QuizData) {
	if data.Questions == nil {
		data.Questions = make(map[string][]domain.Question)
	}
	if data.ImageBased == nil {
		data.ImageBased = make(map[string][]domain.Question)
	}
	if data.TimeLimited == nil {
		data.TimeLimited = make(map[string][]domain.Question)
	}
}

func validateCategoryTarget(category string) error {
	if category == "" {
		return domain.Validationf("category is required")
	}
	if strings.EqualFold(category, domain.AllCategory) {
		return domain.Validationf("the %q category is maintained automatically and cannot be mutated directly", domain.AllCategory)
	}
	return nil
}

func validateQuestion(q domain.Question) error {
	if len(q.Options) < 2 {
		return domain.Validationf("a question needs at least two answer options")
	}
	for _, option := range q.Options {
		if option == q.CorrectAnswer {
			return nil
		}
	}
	return domain.Validationf("the correct answer must be one of the options")
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
