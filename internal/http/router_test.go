package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRouter(t *testing.T) {
	ready := false
	stt := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router := NewRouter(Routes{STT: stt, Ready: func() bool { return ready }})

	tests := []struct {
		name   string
		method string
		path   string
		ready  bool
		want   int
	}{
		{"liveness", http.MethodGet, "/v1/liveness", false, http.StatusOK},
		{"readiness before ready", http.MethodGet, "/v1/readiness", false, http.StatusServiceUnavailable},
		{"readiness after ready", http.MethodGet, "/v1/readiness", true, http.StatusOK},
		{"stt mounted", http.MethodGet, "/ws/stt", false, http.StatusTeapot},
		{"stt rejects post", http.MethodPost, "/ws/stt", false, http.StatusMethodNotAllowed},
		{"proxy not mounted", http.MethodGet, "/ws/proxy", false, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready = tt.ready
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
			}
		})
	}
}

func TestRouter_NilReadyIsReady(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(Routes{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/readiness", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readiness = %d, want 200", rec.Code)
	}
}
