package buildinfo

import "time"

// Set via -ldflags at build time
var (
	Version    string // release tag
	BuildTime  string // when the binary was compiled
	CommitHash string // short git commit hash
)

// StartTime is recorded when the process starts
var StartTime = time.Now().UTC()

// Info is reported by /health
type Info struct {
	Version    string `json:"version"`
	BuildTime  string `json:"buildTime,omitempty"`
	CommitHash string `json:"commitHash,omitempty"`
	StartedAt  string `json:"startedAt"`
	Uptime     string `json:"uptime"`
}

// Get returns the build information and current uptime
func Get() Info {
	v := Version
	if v == "" {
		v = "dev"
	}
	return Info{
		Version:    v,
		BuildTime:  BuildTime,
		CommitHash: CommitHash,
		StartedAt:  StartTime.Format(time.RFC3339),
		Uptime:     time.Since(StartTime).Truncate(time.Second).String(),
	}
}
