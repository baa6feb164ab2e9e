// Package httpx provides JSON envelope writers and middleware for town's HTTP API.
//
// Success bodies are {"ok":true,...}; failures are {"ok":false,"error":CODE,...}
// with the error's metadata merged in next to the code.
package httpx

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
)

// HeaderRequestID carries the correlation id for one request.
const HeaderRequestID = "X-Request-ID"

// DefaultMaxBodyBytes bounds request bodies read by DecodeJSON and ReadBody.
const DefaultMaxBodyBytes = 1 << 20

// Middleware wraps an HTTP handler.
type Middleware func(http.Handler) http.Handler

var requestIDCounter atomic.Uint64

// Chain applies middleware in declaration order.
func Chain(handler http.Handler, middleware ...Middleware) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	wrapped := handler
	for idx := len(middleware) - 1; idx >= 0; idx-- {
		if middleware[idx] == nil {
			continue
		}
		wrapped = middleware[idx](wrapped)
	}
	return wrapped
}

// RequestID injects and echoes a request id for correlation.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
			if requestID == "" {
				requestID = fmt.Sprintf("town-%d-%d", time.Now().UnixNano(), requestIDCounter.Add(1))
				r.Header.Set(HeaderRequestID, requestID)
			}
			w.Header().Set(HeaderRequestID, requestID)
			next.ServeHTTP(w, r)
		})
	}
}

// RecoverPanic converts panics into 500 INTERNAL responses.
func RecoverPanic() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if recovered := recover(); recovered != nil {
					log.Printf(
						"panic recovered method=%s path=%s request_id=%s panic=%v stack=%s",
						r.Method,
						r.URL.Path,
						r.Header.Get(HeaderRequestID),
						recovered,
						strings.TrimSpace(string(debug.Stack())),
					)
					_ = WriteJSON(w, http.StatusInternalServerError, map[string]any{
						"ok":    false,
						"error": apperrors.CodeInternal,
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// AccessLog writes one line per request.
func AccessLog() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Printf(
				"http method=%s path=%s status=%d duration=%s request_id=%s",
				r.Method,
				r.URL.Path,
				rec.status,
				time.Since(start).Round(time.Microsecond),
				r.Header.Get(HeaderRequestID),
			)
		})
	}
}

// WriteJSON writes a JSON response with the provided status code.
func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	if w == nil {
		return fmt.Errorf("response writer is required")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}

// WriteOK writes {"ok":true} merged with fields.
func WriteOK(w http.ResponseWriter, fields map[string]any) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["ok"] = true
	if err := WriteJSON(w, http.StatusOK, body); err != nil {
		log.Printf("write ok response: %v", err)
	}
}

// WriteError renders err as an error envelope. Errors without a code are
// logged and surface as INTERNAL so internal detail never reaches callers.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		WriteOK(w, nil)
		return
	}
	var appErr *apperrors.Error
	if !apperrors.As(err, &appErr) {
		log.Printf("internal error method=%s path=%s request_id=%s err=%v", r.Method, r.URL.Path, r.Header.Get(HeaderRequestID), err)
		appErr = apperrors.New(apperrors.CodeInternal, "internal error")
	} else if appErr.Code.HTTPStatus() >= http.StatusInternalServerError {
		log.Printf("request failed method=%s path=%s request_id=%s code=%s err=%v", r.Method, r.URL.Path, r.Header.Get(HeaderRequestID), appErr.Code, err)
	}
	body := make(map[string]any, len(appErr.Metadata)+2)
	for k, v := range appErr.Metadata {
		body[k] = v
	}
	body["ok"] = false
	body["error"] = appErr.Code
	if werr := WriteJSON(w, appErr.Code.HTTPStatus(), body); werr != nil {
		log.Printf("write error response: %v", werr)
	}
}

// ReadBody reads at most limit bytes of the request body. Oversized bodies
// fail with INVALID_REQUEST.
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidRequest, "read body", err)
	}
	if int64(len(raw)) > limit {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "request body too large")
	}
	return raw, nil
}

// DecodeJSON decodes the request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	raw, err := ReadBody(r, DefaultMaxBodyBytes)
	if err != nil {
		return err
	}
	return DecodeJSONBytes(raw, dst)
}

// DecodeJSONBytes decodes raw into dst with the same rules as DecodeJSON.
func DecodeJSONBytes(raw []byte, dst any) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return apperrors.New(apperrors.CodeInvalidRequest, "request body is required")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidRequest, "decode body", err)
	}
	return nil
}
