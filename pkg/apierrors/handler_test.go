package apierrors

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorHandlerValidation(t *testing.T) {
	h := ErrorHandler(func(http.ResponseWriter, *http.Request) error {
		return NewBadExpires("expires must be at least 5 minutes in the future", "body", "expires")
	})

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "bad_expires")
}

func TestErrorHandlerInternalHidesDetail(t *testing.T) {
	h := ErrorHandler(func(http.ResponseWriter, *http.Request) error {
		return NewInternal("database unreachable", errors.New("dial tcp: connection refused"))
	})

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestErrorHandlerSuccess(t *testing.T) {
	h := ErrorHandler(func(w http.ResponseWriter, _ *http.Request) error {
		w.WriteHeader(http.StatusNoContent)
		return nil
	})

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodDelete, "/", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCode(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, Code(NewNotFound("x")))
	assert.Equal(t, http.StatusForbidden, Code(NewInsufficientScope("x")))
	assert.Equal(t, http.StatusUnauthorized, Code(NewInvalidToken("x")))
	assert.Equal(t, http.StatusInternalServerError, Code(errors.New("plain")))
}
