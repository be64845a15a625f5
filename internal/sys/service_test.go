package sys

import (
	"testing"
	"time"
)

func TestService_Ping(t *testing.T) {
	t.Parallel()

	s := NewService(Options{Version: " v1.0.0 ", Commit: "abc", BuildTime: "2026-01-01"})
	s.now = func() time.Time { return time.UnixMilli(1234) }
	got := s.Ping()
	want := PingResponse{ServerTimeMs: 1234, Version: "v1.0.0", Commit: "abc", BuildTime: "2026-01-01"}
	if got != want {
		t.Fatalf("Ping = %+v, want %+v", got, want)
	}

	var nilSvc *Service
	if nilSvc.Ping() != (PingResponse{}) {
		t.Fatalf("nil service ping not empty")
	}
}
