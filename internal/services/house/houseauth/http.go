package houseauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/platform/httpx"
)

type contextKey struct{}

// WithHouseID returns ctx carrying an authenticated house id.
func WithHouseID(ctx context.Context, houseID string) context.Context {
	return context.WithValue(ctx, contextKey{}, houseID)
}

// HouseIDFromContext returns the authenticated house id, if any.
func HouseIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// HouseIDFunc picks the house a request claims to act for.
type HouseIDFunc func(*http.Request) string

// QueryOrHeader resolves the house id from the houseId query parameter, then
// the x-house-id header.
func QueryOrHeader(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("houseId")); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(HeaderHouseID))
}

// HasCredentials reports whether r carries house-auth headers.
func HasCredentials(r *http.Request) bool {
	return r.Header.Get(HeaderAuth) != "" || r.Header.Get(HeaderTimestamp) != ""
}

// VerifyRequest verifies r for houseID. The body is read and restored so
// handlers can decode it again; the raw bytes are returned as well.
func (v *Verifier) VerifyRequest(r *http.Request, houseID string) ([]byte, error) {
	raw, err := httpx.ReadBody(r, httpx.DefaultMaxBodyBytes)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	err = v.Verify(r.Context(), Signed{
		HouseID:   houseID,
		Timestamp: r.Header.Get(HeaderTimestamp),
		Auth:      r.Header.Get(HeaderAuth),
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Body:      raw,
	})
	if err != nil {
		log.Printf("house auth rejected method=%s path=%s house_id=%s request_id=%s reason=%v",
			r.Method, r.URL.Path, houseID, r.Header.Get(httpx.HeaderRequestID), unwrapCause(err))
		return nil, err
	}
	return raw, nil
}

// Require returns middleware that admits only requests signed by the house
// resolve picks. The authenticated id is placed on the request context.
func (v *Verifier) Require(resolve HouseIDFunc) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			houseID := ""
			if resolve != nil {
				houseID = resolve(r)
			}
			if houseID == "" {
				httpx.WriteError(w, r, apperrors.New(apperrors.CodeUnauthorized, "house id is required"))
				return
			}
			if _, err := v.VerifyRequest(r, houseID); err != nil {
				httpx.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithHouseID(r.Context(), houseID)))
		})
	}
}

// SignRequest adds house-auth headers to req. The body, if any, is read and
// replaced so the request can still be sent.
func SignRequest(req *http.Request, houseID string, key []byte, now time.Time) error {
	if req == nil {
		return fmt.Errorf("request is required")
	}
	var body []byte
	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		_ = req.Body.Close()
		body = raw
		req.Body = io.NopCloser(bytes.NewReader(raw))
	}
	ts := now.UnixMilli()
	msg := Message(houseID, ts, req.Method, req.URL.RequestURI(), BodyHash(body))
	req.Header.Set(HeaderHouseID, houseID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderAuth, Sign(key, msg))
	return nil
}

func unwrapCause(err error) error {
	var appErr *apperrors.Error
	if apperrors.As(err, &appErr) && appErr.Cause != nil {
		return appErr.Cause
	}
	return err
}
