package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/herrors"
)

func TestWriteClassifiedError_MapsClassToStatus(t *testing.T) {
	logger := arbor.NewLogger()

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", herrors.Classify(herrors.ClassValidation, errors.New("bad catalog")), http.StatusBadRequest},
		{"conflict", herrors.Classify(herrors.ClassConflict, herrors.ErrConflict), http.StatusConflict},
		{"terminal work item", herrors.Classify(herrors.ClassTerminalWorkItem, errors.New("permanent failure")), http.StatusUnprocessableEntity},
		{"worker failure", herrors.Classify(herrors.ClassWorkerFailure, errors.New("worker 500")), http.StatusServiceUnavailable},
		{"transient infra", herrors.Classify(herrors.ClassTransientInfra, errors.New("db busy")), http.StatusServiceUnavailable},
		{"programmer error", herrors.Classify(herrors.ClassProgrammerError, errors.New("invariant violated")), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeClassifiedError(rec, logger, tc.err)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestRouteByMethod_DispatchesRegisteredMethodAndRejectsOthers(t *testing.T) {
	var called string
	routes := MethodRouter{
		http.MethodGet:  func(w http.ResponseWriter, r *http.Request) { called = "get" },
		http.MethodPost: func(w http.ResponseWriter, r *http.Request) { called = "post" },
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	RouteByMethod(rec, req, routes)
	assert.Equal(t, "get", called)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/x", nil)
	rec = httptest.NewRecorder()
	RouteByMethod(rec, req, routes)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouteByPathSuffix_MatchesRegisteredSuffixOnly(t *testing.T) {
	var matched string
	routes := []PathSuffixRouter{
		{Suffix: "/cancel", Handler: func(w http.ResponseWriter, r *http.Request) { matched = "cancel" }},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/abc-123/cancel", nil)
	rec := httptest.NewRecorder()
	ok := RouteByPathSuffix(rec, req, "/api/jobs/", routes)
	assert.True(t, ok)
	assert.Equal(t, "cancel", matched)

	matched = ""
	req = httptest.NewRequest(http.MethodGet, "/api/jobs/abc-123", nil)
	rec = httptest.NewRecorder()
	ok = RouteByPathSuffix(rec, req, "/api/jobs/", routes)
	assert.False(t, ok)
	assert.Empty(t, matched)
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleNotFound_Returns404(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
	rec := httptest.NewRecorder()
	s.handleNotFound(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
