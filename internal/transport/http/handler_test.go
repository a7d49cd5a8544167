package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"terratueftler-service/internal/app"
	"terratueftler-service/internal/domain"
	"terratueftler-service/internal/infra/file"
	"terratueftler-service/internal/infra/memory"
	"terratueftler-service/internal/logging"
)

type testEnv struct {
	server      *httptest.Server
	content     *app.ContentService
	leaderboard *app.LeaderboardService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := logging.Discard()

	store, err := file.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	assets := file.NewAssetStorage(t.TempDir())
	tokens := memory.NewTokenStore(0)
	t.Cleanup(tokens.Close)

	content, err := app.NewContentService(ctx, store, assets, tokens, log)
	if err != nil {
		t.Fatalf("content service: %v", err)
	}
	leaderboard, err := app.NewLeaderboardService(ctx, store, nil, log)
	if err != nil {
		t.Fatalf("leaderboard service: %v", err)
	}

	handler := NewHandler(content, leaderboard, memory.NewSessionStore(), assets, log)
	server := httptest.NewServer(handler.Router(NewWSHandler(leaderboard, log)))
	t.Cleanup(server.Close)

	return &testEnv{server: server, content: content, leaderboard: leaderboard}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response %s: %v", raw, err)
		}
	}
	return resp, decoded
}

func multipartQuestion(t *testing.T, fields map[string]string, imageName string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			t.Fatalf("write field %s: %v", key, err)
		}
	}
	if imageName != "" {
		fw, err := w.CreateFormFile("image", imageName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write([]byte("fake image bytes")); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func questionJSON(answer string) string {
	return fmt.Sprintf(`{"question":"Which country?","options":[%q,"Elsewhere"],"correctAnswer":%q}`, answer, answer)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "OK" {
		t.Fatalf("health failed: %d %v", resp.StatusCode, body)
	}
}

func TestAddQuestionWithImage(t *testing.T) {
	env := newTestEnv(t)

	buf, contentType := multipartQuestion(t, map[string]string{
		"category":     "bollards",
		"questionData": questionJSON("Deutschland"),
		"requestId":    "req-1",
	}, "upload.jpg")

	resp, err := http.Post(env.server.URL+"/api/add-question", contentType, buf)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("add question failed: %d %s", resp.StatusCode, raw)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	imagePath, _ := body["imagePath"].(string)
	if !strings.HasPrefix(imagePath, "assets/images/Bollards/") {
		t.Fatalf("unexpected image path: %q", imagePath)
	}

	data := env.content.QuizData()
	if len(data.Questions["bollards"]) != 1 || data.Questions["bollards"][0].Image != imagePath {
		t.Fatalf("question not stored with image: %+v", data.Questions["bollards"])
	}
}

func TestDuplicateRequestIDConflicts(t *testing.T) {
	env := newTestEnv(t)

	for i, wantStatus := range []int{http.StatusOK, http.StatusConflict} {
		buf, contentType := multipartQuestion(t, map[string]string{
			"category":     "signs",
			"questionData": questionJSON("Polen"),
			"requestId":    "req-dup",
		}, "")
		resp, err := http.Post(env.server.URL+"/api/add-question", contentType, buf)
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != wantStatus {
			t.Fatalf("attempt %d: want %d, got %d", i, wantStatus, resp.StatusCode)
		}
	}
}

func TestDeleteQuestionNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodDelete, "/api/delete-question", map[string]any{
		"category":      "ghost",
		"questionIndex": 0,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}

func TestAddCategoryAndConflict(t *testing.T) {
	env := newTestEnv(t)

	payload := map[string]any{"category": "bollards", "modes": []string{domain.ModeImageBased}}
	resp, _ := env.do(t, http.MethodPost, "/api/add-category", payload)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: want 201, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/add-category", payload)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflict: want 409, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/add-category", map[string]any{
		"category": "Bad Name", "modes": []string{domain.ModeImageBased},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid name: want 400, got %d", resp.StatusCode)
	}
}

func TestSessionPlayThroughRecordsLeaderboard(t *testing.T) {
	env := newTestEnv(t)

	buf, contentType := multipartQuestion(t, map[string]string{
		"category":     "plates",
		"questionData": questionJSON("Spanien"),
	}, "")
	resp, err := http.Post(env.server.URL+"/api/add-question", contentType, buf)
	if err != nil {
		t.Fatalf("seed question: %v", err)
	}
	resp.Body.Close()

	resp, view := env.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"mode":       domain.ModeImageBased,
		"category":   "plates",
		"playerName": "Mira",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start session: want 201, got %d (%v)", resp.StatusCode, view)
	}
	id, _ := view["id"].(string)
	if id == "" {
		t.Fatalf("no session id in %v", view)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/sessions/"+id+"/select", map[string]any{"option": "Spanien"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("select: got %d", resp.StatusCode)
	}
	resp, body := env.do(t, http.MethodPost, "/api/sessions/"+id+"/submit", nil)
	if resp.StatusCode != http.StatusOK || body["accepted"] != true {
		t.Fatalf("submit: %d %v", resp.StatusCode, body)
	}
	resp, final := env.do(t, http.MethodPost, "/api/sessions/"+id+"/advance", nil)
	if resp.StatusCode != http.StatusOK || final["finished"] != true {
		t.Fatalf("advance: %d %v", resp.StatusCode, final)
	}

	entries := env.leaderboard.Entries(domain.ModeImageBased, "plates", nil)
	if len(entries) != 1 || entries[0].Name != "Mira" || entries[0].CorrectAnswers != 1 {
		t.Fatalf("leaderboard entry not recorded: %+v", entries)
	}

	// The finished session is gone from the registry.
	resp, _ = env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("finished session still reachable: %d", resp.StatusCode)
	}
}

func TestStartSessionOnEmptyCategory(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"mode":     domain.ModeImageBased,
		"category": "void",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
}

func TestLeaderboardEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	limit := 1.0
	if err := env.leaderboard.RecordSession(ctx, domain.LeaderboardEntry{
		Name:           "Jonas",
		CorrectAnswers: 9,
		TotalQuestions: 10,
		Mode:           domain.ModeTimeLimited,
		Category:       "signs",
		TimeLimit:      &limit,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	resp, body := env.do(t, http.MethodGet, "/api/leaderboard?mode=time-limited&category=signs&timeLimit=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get leaderboard: %d", resp.StatusCode)
	}
	entries, _ := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %v", body)
	}

	resp, stats := env.do(t, http.MethodGet, "/api/leaderboard/statistics", nil)
	if resp.StatusCode != http.StatusOK || stats["totalEntries"] != float64(1) {
		t.Fatalf("statistics: %d %v", resp.StatusCode, stats)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/leaderboard?mode=time-limited&category=signs&timeLimit=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear bucket: %d", resp.StatusCode)
	}
	if got := env.leaderboard.Entries(domain.ModeTimeLimited, "signs", &limit); len(got) != 0 {
		t.Fatalf("bucket not cleared: %+v", got)
	}
}

func TestQuizDataImportExport(t *testing.T) {
	env := newTestEnv(t)

	payload := domain.NewQuizData()
	payload.Questions["flags"] = []domain.Question{{
		Question:      "Which country?",
		Options:       []string{"Japan", "Thailand"},
		CorrectAnswer: "Japan",
	}}
	resp, _ := env.do(t, http.MethodPost, "/api/quiz-data", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import: %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/api/quiz-data", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: %d", resp.StatusCode)
	}
	questions, _ := body["questions"].(map[string]any)
	if _, ok := questions["flags"]; !ok {
		t.Fatalf("imported category missing: %v", body)
	}
	// The synthetic aggregate is rebuilt on import.
	if _, ok := questions[domain.AllCategory]; !ok {
		t.Fatalf("aggregate missing after import: %v", body)
	}
}
