// Package sandbox turns approved tool calls into ephemeral container
// invocations. Each dispatch mints a capability token, runs exactly one
// container, and removes it on every exit path.
package sandbox

import (
	"context"
	"io"
)

// Executor types for ephemeral containers.
const (
	ExecutorShell = "shell"
	ExecutorFile  = "file"
	ExecutorWeb   = "web"
)

// Network modes passed to the runtime. NetworkFiltered is the custom bridge
// whose egress is restricted to the domains claimed in the capability token;
// the runtime decides how that bridge is realised.
const (
	NetworkNone     = "none"
	NetworkFiltered = "filtered"
)

// Task is the payload handed to an executor container, base64-encoded into
// its environment. The entrypoint decodes it after verifying the token.
type Task struct {
	Tool           string                 `json:"tool"`
	Input          map[string]interface{} `json:"input"`
	TimeoutSeconds int                    `json:"timeoutSeconds,omitempty"`
	MaxOutputBytes int                    `json:"maxOutputBytes,omitempty"`
	// AllowedDomains widens the web executor's egress beyond none.
	AllowedDomains []string `json:"allowedDomains,omitempty"`
	// ResultFormat selects structured vs legacy browse output (web only).
	ResultFormat string `json:"resultFormat,omitempty"`
}

// ExecutorResult is the contract every executor entrypoint prints as the
// last JSON line of its stdout.
type ExecutorResult struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// MountSpec maps one host path into the container.
type MountSpec struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// RunSpec describes one container run. Hardening (cap-drop, no-new-privileges,
// non-root user) is unconditional; the runtime applies it to every spec.
type RunSpec struct {
	Name      string
	Image     string
	Network   string // NetworkNone or NetworkFiltered
	User      string
	Memory    string
	CPUs      float64
	PidsLimit int
	Mounts    []MountSpec
	Env       map[string]string
}

// RunOutput is the raw outcome of one container run.
type RunOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Runtime is the abstract container lifecycle the dispatcher drives. Run
// blocks until exit or ctx deadline; Remove must be safe to call whether or
// not the container still exists.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec, maxOutputBytes int) (*RunOutput, error)
	Remove(ctx context.Context, name string) error
	Available() bool
}

// limitedWriter caps how much output a container can accumulate in memory.
// Bytes past the cap are counted and discarded.
type limitedWriter struct {
	w         io.Writer
	max       int
	written   int
	truncated bool
	discarded int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	room := n
	if l.max > 0 && l.written+n > l.max {
		room = l.max - l.written
		if room < 0 {
			room = 0
		}
	}
	if room > 0 {
		written, err := l.w.Write(p[:room])
		l.written += written
		if err != nil {
			return written, err
		}
	}
	if room < n {
		l.truncated = true
		l.discarded += n - room
	}
	// The caller sees a full write so the pipe keeps draining.
	return n, nil
}
