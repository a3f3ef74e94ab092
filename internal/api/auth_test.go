package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearerAuth_Middleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := BearerAuth("tok")(ok)

	cases := map[string]int{
		"":            http.StatusUnauthorized,
		"tok":         http.StatusUnauthorized,
		"Basic tok":   http.StatusUnauthorized,
		"Bearer nope": http.StatusUnauthorized,
		"Bearer tok":  http.StatusNoContent,
		"bearer tok":  http.StatusNoContent,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Errorf("Authorization %q: status = %d, want %d", header, rr.Code, want)
		}
		if want == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("Authorization %q: missing WWW-Authenticate", header)
		}
	}
}
