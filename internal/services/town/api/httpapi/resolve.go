package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/elizatown/town/internal/platform/httpx"
	"github.com/elizatown/town/internal/services/house/houseauth"
)

func pathHouseID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

// queryHeaderOrBody resolves the acting house from the houseId query
// parameter, the x-house-id header, then a houseId field in a JSON body.
func queryHeaderOrBody(r *http.Request) string {
	if id := houseauth.QueryOrHeader(r); id != "" {
		return id
	}
	if r.Body == nil || r.Method == http.MethodGet {
		return ""
	}
	raw, err := httpx.ReadBody(r, httpx.DefaultMaxBodyBytes)
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	var probe struct {
		HouseID string `json:"houseId"`
	}
	if json.Unmarshal(raw, &probe) != nil {
		return ""
	}
	return strings.TrimSpace(probe.HouseID)
}
