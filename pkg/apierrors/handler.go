package apierrors

import (
	"encoding/json"
	"net/http"

	"github.com/lsst/gafaelfawr/pkg/logger"
)

// HandlerWithError is an HTTP handler that may fail; ErrorHandler translates
// the returned error into the appropriate status code and body.
type HandlerWithError func(w http.ResponseWriter, r *http.Request) error

// detail is one entry of a 422 validation response body.
type detail struct {
	Loc  []string `json:"loc,omitempty"`
	Type Type     `json:"type"`
	Msg  string   `json:"msg"`
}

type errorBody struct {
	Detail []detail `json:"detail"`
}

// ErrorHandler wraps fn, logging 5xx errors with full context and writing a
// structured body for 4xx/422 errors. Internal errors never leak their cause
// to the client.
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := Code(err)
		if code >= 500 {
			logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			writeJSON(w, code, errorBody{Detail: []detail{{Type: TypeInternal, Msg: "internal server error"}}})
			return
		}

		e, ok := err.(*Error)
		if !ok {
			writeJSON(w, code, errorBody{Detail: []detail{{Type: TypeInvalidRequest, Msg: err.Error()}}})
			return
		}
		writeJSON(w, code, errorBody{Detail: []detail{{Loc: e.Loc, Type: e.Type, Msg: e.Message}}})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
