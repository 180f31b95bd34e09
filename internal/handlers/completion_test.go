package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coursebridge/completion-backend/internal/logger"
	pkgerrors "github.com/coursebridge/completion-backend/internal/pkg/errors"
	"github.com/coursebridge/completion-backend/internal/requestdata"
	"github.com/coursebridge/completion-backend/internal/services"
)

type stubCompletionService struct {
	summary *services.CompletionSummary
	err     error

	markedCourse string
	markedBlock  *string
	markedForce  bool
	triggered    int
}

func (s *stubCompletionService) GetCourseCompletion(ctx context.Context, userID uuid.UUID, courseKey string) (*services.CompletionSummary, error) {
	return s.summary, s.err
}

func (s *stubCompletionService) GetBlockCompletion(ctx context.Context, userID uuid.UUID, courseKey, blockKey string) (*services.CompletionSummary, error) {
	return s.summary, s.err
}

func (s *stubCompletionService) MarkStale(ctx context.Context, userID uuid.UUID, courseKey string, blockKey *string, force bool) error {
	s.markedCourse = courseKey
	s.markedBlock = blockKey
	s.markedForce = force
	return s.err
}

func (s *stubCompletionService) TriggerReaggregation(ctx context.Context, courseKey string, userIDs []uuid.UUID) (int, error) {
	return s.triggered, s.err
}

func newTestHandler(t *testing.T, svc services.CompletionService) *CompletionHandler {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return NewCompletionHandler(log, svc)
}

func performRequest(t *testing.T, handler gin.HandlerFunc, method, target, body string, userID uuid.UUID, params gin.Params) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if userID != uuid.Nil {
		req = req.WithContext(requestdata.WithRequestData(req.Context(), &requestdata.RequestData{UserID: userID}))
	}
	c.Request = req
	c.Params = params
	handler(c)
	c.Writer.WriteHeaderNow()
	return rec
}

func TestGetCourseCompletionHandler(t *testing.T) {
	stub := &stubCompletionService{
		summary: &services.CompletionSummary{CourseKey: "course-v1:edX+DemoX+2026", Percent: 0.75, HasData: true},
	}
	h := newTestHandler(t, stub)

	rec := performRequest(t, h.GetCourseCompletion, http.MethodGet, "/api/v1/completion/course/x", "",
		uuid.New(), gin.Params{{Key: "courseKey", Value: "course-v1:edX+DemoX+2026"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got services.CompletionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Percent != 0.75 || !got.HasData {
		t.Fatalf("response = %+v, want stored summary", got)
	}
}

func TestGetCourseCompletionHandlerStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "course not found", err: pkgerrors.ErrCourseNotFound, wantStatus: http.StatusNotFound},
		{name: "malformed tree", err: pkgerrors.ErrMalformedTree, wantStatus: http.StatusUnprocessableEntity},
		{name: "unknown block type", err: pkgerrors.ErrUnknownBlockType, wantStatus: http.StatusUnprocessableEntity},
		{name: "other failure", err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubCompletionService{err: tt.err})
			rec := performRequest(t, h.GetCourseCompletion, http.MethodGet, "/api/v1/completion/course/x", "",
				uuid.New(), gin.Params{{Key: "courseKey", Value: "course-v1:edX+DemoX+2026"}})
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestGetCourseCompletionHandlerRequiresUser(t *testing.T) {
	h := newTestHandler(t, &stubCompletionService{})
	rec := performRequest(t, h.GetCourseCompletion, http.MethodGet, "/api/v1/completion/course/x", "",
		uuid.Nil, gin.Params{{Key: "courseKey", Value: "course-v1:edX+DemoX+2026"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without request data", rec.Code)
	}
}

func TestMarkStaleHandler(t *testing.T) {
	stub := &stubCompletionService{}
	h := newTestHandler(t, stub)

	body := `{"course_key": "course-v1:edX+DemoX+2026", "block_key": "h1", "force": true}`
	rec := performRequest(t, h.MarkStale, http.MethodPost, "/api/v1/completion/stale", body, uuid.New(), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if stub.markedCourse != "course-v1:edX+DemoX+2026" {
		t.Fatalf("marked course = %q", stub.markedCourse)
	}
	if stub.markedBlock == nil || *stub.markedBlock != "h1" {
		t.Fatalf("marked block = %v, want h1", stub.markedBlock)
	}
	if !stub.markedForce {
		t.Fatalf("force flag not passed through")
	}
}

func TestMarkStaleHandlerRejectsMissingCourse(t *testing.T) {
	h := newTestHandler(t, &stubCompletionService{})
	rec := performRequest(t, h.MarkStale, http.MethodPost, "/api/v1/completion/stale", `{"force": true}`, uuid.New(), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a body without course_key", rec.Code)
	}
}

func TestReaggregateHandler(t *testing.T) {
	stub := &stubCompletionService{triggered: 7}
	h := newTestHandler(t, stub)

	body := `{"course_key": "course-v1:edX+DemoX+2026"}`
	rec := performRequest(t, h.Reaggregate, http.MethodPost, "/api/v1/admin/reaggregate", body, uuid.New(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got["marked"] != 7 {
		t.Fatalf("marked = %d, want 7", got["marked"])
	}
}
