package middleware

import "testing"

func TestSkipList(t *testing.T) {
	s := newSkipList([]string{"/health", "/auth/login", "/ingest/*"})

	cases := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/auth/login", true},
		{"/ingest/call-logs", true},
		{"/ingest/errors", true},
		{"/ingest/", true},
		{"/api/agent/issues", false},
		{"/healthz", false},
		{"/auth/login/extra", false},
		{"", false},
	}

	for _, tc := range cases {
		if got := s.match(tc.path); got != tc.want {
			t.Errorf("match(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestSkipListEmpty(t *testing.T) {
	s := newSkipList(nil)
	if s.match("/health") {
		t.Error("empty skip list matched a path")
	}
}
