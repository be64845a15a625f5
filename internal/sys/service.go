// Package sys describes the running build for health probes.
package sys

import (
	"strings"
	"time"
)

type Options struct {
	Version   string
	Commit    string
	BuildTime string
}

type Service struct {
	version   string
	commit    string
	buildTime string
	now       func() time.Time
}

func NewService(opts Options) *Service {
	return &Service{
		version:   strings.TrimSpace(opts.Version),
		commit:    strings.TrimSpace(opts.Commit),
		buildTime: strings.TrimSpace(opts.BuildTime),
		now:       time.Now,
	}
}

// PingResponse is the build section of /health.
type PingResponse struct {
	ServerTimeMs int64  `json:"server_time_ms,omitempty"`
	Version      string `json:"version,omitempty"`
	Commit       string `json:"commit,omitempty"`
	BuildTime    string `json:"build_time,omitempty"`
}

func (s *Service) Ping() PingResponse {
	if s == nil {
		return PingResponse{}
	}
	return PingResponse{
		ServerTimeMs: s.now().UnixMilli(),
		Version:      s.version,
		Commit:       s.commit,
		BuildTime:    s.buildTime,
	}
}
