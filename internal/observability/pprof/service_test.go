package pprof

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "calbot/pkg/logx"
)

func TestStateEndpoints(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	s.Register("scheduler", func() any { return map[string]int{"fired": 3} })
	srv := httptest.NewServer(s.handler("s3cret"))
	defer srv.Close()

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{name: "no token", path: "/debug/calbot/scheduler", status: http.StatusUnauthorized},
		{name: "wrong token", path: "/debug/calbot/scheduler?token=nope", status: http.StatusUnauthorized},
		{name: "query token", path: "/debug/calbot/scheduler?token=s3cret", status: http.StatusOK},
		{name: "bearer", path: "/debug/calbot/scheduler", header: "Bearer s3cret", status: http.StatusOK},
		{name: "unknown source", path: "/debug/calbot/nope?token=s3cret", status: http.StatusNotFound},
		{name: "index", path: "/debug/calbot/?token=s3cret", status: http.StatusOK},
		{name: "pprof index", path: "/debug/pprof/?token=s3cret", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status=%d want %d", resp.StatusCode, tt.status)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/debug/calbot/scheduler?token=s3cret")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil || got["fired"] != 3 {
		t.Fatalf("body=%v err=%v", got, err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
}
