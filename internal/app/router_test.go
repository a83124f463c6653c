package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partsbay/partsbay/internal/observability"
	"github.com/partsbay/partsbay/internal/shared"
)

func TestRouterHealthAndMetrics(t *testing.T) {
	router := NewRouter(RouterParams{
		Config:  &Config{RateLimitPerMinute: 100, PrincipalHeader: "X-Principal-ID"},
		Metrics: observability.NewMetrics(),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "partsbay_http_requests_total")
}

func TestPrincipalMiddleware(t *testing.T) {
	var (
		gotID int64
		gotOK bool
	)
	handler := PrincipalMiddleware("X-Principal-ID", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotOK = shared.PrincipalFromContext(r.Context())
	}))

	cases := []struct {
		name   string
		header string
		wantID int64
		wantOK bool
	}{
		{name: "valid", header: " 42 ", wantID: 42, wantOK: true},
		{name: "missing", header: ""},
		{name: "malformed", header: "abc"},
		{name: "non positive", header: "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotID, gotOK = 0, false
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("X-Principal-ID", tc.header)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)
			require.Equal(t, tc.wantOK, gotOK)
			require.Equal(t, tc.wantID, gotID)
		})
	}
}
