package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"terratueftler-service/internal/app"
	"terratueftler-service/internal/domain"
	"terratueftler-service/internal/logging"
)

// maxUploadBytes caps multipart bodies carrying question images.
const maxUploadBytes = 10 << 20

// SessionRegistry tracks running sessions by ID.
type SessionRegistry interface {
	Put(session *app.Session)
	Get(id string) (*app.Session, bool)
	Delete(id string)
}

// Handler exposes the quiz content, leaderboard, and session APIs.
type Handler struct {
	content     *app.ContentService
	leaderboard *app.LeaderboardService
	sessions    SessionRegistry
	assets      app.AssetStore
	log         *logging.Logger
}

func NewHandler(content *app.ContentService, leaderboard *app.LeaderboardService, sessions SessionRegistry, assets app.AssetStore, log *logging.Logger) *Handler {
	return &Handler{
		content:     content,
		leaderboard: leaderboard,
		sessions:    sessions,
		assets:      assets,
		log:         log,
	}
}

// Router assembles the full route table with CORS applied.
func (h *Handler) Router(ws *WSHandler) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", h.health).Methods("GET")

	r.HandleFunc("/api/quiz-data", h.getQuizData).Methods("GET")
	r.HandleFunc("/api/quiz-data", h.putQuizData).Methods("POST")
	r.HandleFunc("/api/add-question", h.addQuestion).Methods("POST")
	r.HandleFunc("/api/edit-question", h.editQuestion).Methods("PUT")
	r.HandleFunc("/api/delete-question", h.deleteQuestion).Methods("DELETE")
	r.HandleFunc("/api/add-category", h.addCategory).Methods("POST")
	r.HandleFunc("/api/delete-category", h.deleteCategory).Methods("DELETE")
	r.HandleFunc("/api/upload-image", h.uploadImage).Methods("POST")

	r.HandleFunc("/api/leaderboard-data", h.getLeaderboardData).Methods("GET")
	r.HandleFunc("/api/leaderboard-data", h.putLeaderboardData).Methods("POST")
	r.HandleFunc("/api/leaderboard", h.getLeaderboard).Methods("GET")
	r.HandleFunc("/api/leaderboard", h.clearLeaderboard).Methods("DELETE")
	r.HandleFunc("/api/leaderboard/statistics", h.leaderboardStatistics).Methods("GET")

	r.HandleFunc("/api/sessions", h.startSession).Methods("POST")
	r.HandleFunc("/api/sessions/{id}", h.sessionView).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/select", h.sessionSelect).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/submit", h.sessionSubmit).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/advance", h.sessionAdvance).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/retreat", h.sessionRetreat).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/finish", h.sessionFinish).Methods("POST")

	if ws != nil {
		r.HandleFunc("/ws/leaderboard", ws.ServeWS)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})
	return c.Handler(r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) getQuizData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.content.QuizData())
}

func (h *Handler) putQuizData(w http.ResponseWriter, r *http.Request) {
	var data domain.QuizData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, domain.Validationf("invalid quiz data payload: %v", err))
		return
	}
	if err := h.content.SetQuizData(r.Context(), data); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) addQuestion(w http.ResponseWriter, r *http.Request) {
	category, question, image, token, err := parseQuestionForm(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.content.AddQuestion(r.Context(), category, question, image, token)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"imagePath": result.ImagePath,
	})
}

func (h *Handler) editQuestion(w http.ResponseWriter, r *http.Request) {
	category, question, image, token, err := parseQuestionForm(r)
	if err != nil {
		writeError(w, err)
		return
	}
	index, err := strconv.Atoi(r.FormValue("questionIndex"))
	if err != nil {
		writeError(w, domain.Validationf("invalid question index %q", r.FormValue("questionIndex")))
		return
	}
	result, err := h.content.EditQuestion(r.Context(), category, index, question, image, token)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"imagePath":    result.ImagePath,
		"oldImagePath": result.OldImagePath,
	})
}

func (h *Handler) deleteQuestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category      string `json:"category"`
		QuestionIndex int    `json:"questionIndex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid delete payload: %v", err))
		return
	}
	result, err := h.content.DeleteQuestion(r.Context(), req.Category, req.QuestionIndex)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"deletedImagePath": result.DeletedImagePath,
	})
}

func (h *Handler) addCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string   `json:"category"`
		Modes    []string `json:"modes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid category payload: %v", err))
		return
	}
	if err := h.content.AddCategory(r.Context(), req.Category, req.Modes); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "category": req.Category})
}

func (h *Handler) deleteCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid category payload: %v", err))
		return
	}
	result, err := h.content.DeleteCategory(r.Context(), req.Category)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"deletedQuestions": result.DeletedQuestions,
		"deletedImages":    result.DeletedImages,
		"affectedModes":    result.AffectedModes,
	})
}

func (h *Handler) uploadImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, domain.Validationf("invalid multipart payload: %v", err))
		return
	}
	category := r.FormValue("category")
	if category == "" {
		writeError(w, domain.Validationf("category is required"))
		return
	}
	image, err := readImageFile(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if image == nil {
		writeError(w, domain.Validationf("image file is required"))
		return
	}
	path, err := h.assets.SaveImage(category, image.Name, r.FormValue("correctAnswer"), image.Data)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "imagePath": path})
}

func (h *Handler) getLeaderboardData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.leaderboard.Data())
}

func (h *Handler) putLeaderboardData(w http.ResponseWriter, r *http.Request) {
	var data domain.LeaderboardData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, domain.Validationf("invalid leaderboard payload: %v", err))
		return
	}
	if err := h.leaderboard.SetData(r.Context(), data); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	category := r.URL.Query().Get("category")
	limit, err := parseTimeLimit(r.URL.Query().Get("timeLimit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": h.leaderboard.Entries(mode, category, limit),
	})
}

func (h *Handler) clearLeaderboard(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	category := r.URL.Query().Get("category")
	if mode == "" && category == "" {
		if err := h.leaderboard.ClearAll(r.Context()); err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	limit, err := parseTimeLimit(r.URL.Query().Get("timeLimit"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.leaderboard.ClearBucket(r.Context(), mode, category, limit); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) leaderboardStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.leaderboard.Statistics())
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode       string  `json:"mode"`
		Category   string  `json:"category"`
		PlayerName string  `json:"playerName"`
		TimeLimit  float64 `json:"timeLimit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid session payload: %v", err))
		return
	}
	questions := h.content.SessionQuestions(req.Mode, req.Category)
	session, err := app.NewSession(uuid.NewString(), app.SessionConfig{
		Mode:       req.Mode,
		Category:   req.Category,
		PlayerName: req.PlayerName,
		TimeLimit:  req.TimeLimit,
	}, questions, nil, nil, nil)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.sessions.Put(session)
	writeJSON(w, http.StatusCreated, session.View())
}

func (h *Handler) sessionView(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (h *Handler) sessionSelect(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Option string `json:"option"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid select payload: %v", err))
		return
	}
	session.SelectAnswer(req.Option)
	writeJSON(w, http.StatusOK, session.View())
}

func (h *Handler) sessionSubmit(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	outcome, accepted := session.Submit()
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"outcome":  outcome,
		"session":  session.View(),
	})
}

func (h *Handler) sessionAdvance(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	entry, finished := session.Advance()
	h.recordEntry(r, entry)
	if finished {
		h.sessions.Delete(session.ID())
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (h *Handler) sessionRetreat(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	session.Retreat()
	writeJSON(w, http.StatusOK, session.View())
}

func (h *Handler) sessionFinish(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	entry, err := session.Finish()
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.recordEntry(r, entry)
	h.sessions.Delete(session.ID())
	writeJSON(w, http.StatusOK, session.View())
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*app.Session, bool) {
	id := mux.Vars(r)["id"]
	session, ok := h.sessions.Get(id)
	if !ok {
		writeError(w, domain.ErrSessionNotFound)
		return nil, false
	}
	return session, true
}

func (h *Handler) recordEntry(r *http.Request, entry *domain.LeaderboardEntry) {
	if entry == nil {
		return
	}
	if err := h.leaderboard.RecordSession(r.Context(), *entry); err != nil {
		h.log.Errorf("record session result: %v", err)
	}
}

// writeFailure logs server-side failures before mapping them to a status.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		h.log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, err)
}

func parseQuestionForm(r *http.Request) (category string, question domain.Question, image *app.ImageUpload, token string, err error) {
	if err = r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", domain.Question{}, nil, "", domain.Validationf("invalid multipart payload: %v", err)
	}
	category = r.FormValue("category")
	token = r.FormValue("requestId")
	raw := r.FormValue("questionData")
	if raw == "" {
		return "", domain.Question{}, nil, "", domain.Validationf("questionData is required")
	}
	if err = json.Unmarshal([]byte(raw), &question); err != nil {
		return "", domain.Question{}, nil, "", domain.Validationf("invalid questionData: %v", err)
	}
	image, err = readImageFile(r)
	if err != nil {
		return "", domain.Question{}, nil, "", err
	}
	return category, question, image, token, nil
}

func readImageFile(r *http.Request) (*app.ImageUpload, error) {
	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Validationf("invalid image upload: %v", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, domain.Validationf("read image upload: %v", err)
	}
	return &app.ImageUpload{Name: header.Filename, Data: data}, nil
}

func parseTimeLimit(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	limit, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, domain.Validationf("invalid timeLimit %q", raw)
	}
	return &limit, nil
}

func statusFor(err error) int {
	var exists *domain.CategoryExistsError
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrEmptyCategory):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCategoryNotFound),
		errors.Is(err, domain.ErrQuestionNotFound),
		errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, domain.ErrSessionFinished),
		errors.As(err, &exists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
