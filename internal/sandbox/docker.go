package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DockerRuntime drives containers through the docker CLI. It is the only
// place the Gateway shells out to a concrete container runtime.
type DockerRuntime struct {
	dockerPath string
	available  bool
	// filteredNetwork is the docker network used for NetworkFiltered specs;
	// its egress rules are provisioned outside the Gateway.
	filteredNetwork string
	log             *zap.Logger
}

// NewDockerRuntime locates the docker binary and verifies the daemon is
// responsive. An unavailable runtime still constructs; Available reports it.
func NewDockerRuntime(filteredNetwork string, log *zap.Logger) *DockerRuntime {
	if log == nil {
		log = zap.NewNop()
	}
	if filteredNetwork == "" {
		filteredNetwork = "gateway-egress"
	}
	r := &DockerRuntime{filteredNetwork: filteredNetwork, log: log.Named("docker")}

	path, err := exec.LookPath("docker")
	if err != nil {
		return r
	}
	r.dockerPath = path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, path, "version", "--format", "{{.Server.Version}}").Run(); err != nil {
		return r
	}
	r.available = true
	return r
}

// Available reports whether the docker daemon answered at startup.
func (r *DockerRuntime) Available() bool { return r.available }

// Run starts the container and blocks until it exits or ctx expires. The
// container is started without --rm: removal is the dispatcher's bracketed
// responsibility via Remove, so teardown happens on every exit path.
func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec, maxOutputBytes int) (*RunOutput, error) {
	if !r.available {
		return nil, errors.New("docker is not available")
	}

	args := r.buildRunArgs(spec)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: maxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, max: maxOutputBytes}

	cmd := exec.CommandContext(ctx, r.dockerPath, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	out := &RunOutput{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}

	if ctx.Err() == context.DeadlineExceeded {
		out.TimedOut = true
		out.ExitCode = -1
		return out, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return nil, fmt.Errorf("docker run: %w", err)
	}
	return out, nil
}

// Remove force-removes the container, killing it if still running. A
// "no such container" failure is not an error.
func (r *DockerRuntime) Remove(ctx context.Context, name string) error {
	if !r.available {
		return nil
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.dockerPath, "rm", "-f", name)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if bytes.Contains(stderr.Bytes(), []byte("No such container")) {
			return nil
		}
		return fmt.Errorf("docker rm %s: %w", name, err)
	}
	return nil
}

// buildRunArgs constructs the docker run arguments. Hardening flags are
// unconditional: every executor runs with all capabilities dropped,
// no-new-privileges and a non-root user.
func (r *DockerRuntime) buildRunArgs(spec RunSpec) []string {
	args := []string{"run", "--name", spec.Name}

	network := spec.Network
	switch network {
	case "", NetworkNone:
		network = "none"
	case NetworkFiltered:
		network = r.filteredNetwork
	}
	args = append(args, "--network", network)

	args = append(args,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	)

	user := spec.User
	if user == "" {
		user = "1000:1000"
	}
	args = append(args, "--user", user)

	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", spec.CPUs))
	}
	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", spec.PidsLimit))
	}

	for _, mount := range spec.Mounts {
		mode := "rw"
		if mount.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", mount.HostPath, mount.ContainerPath, mode))
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	return append(args, spec.Image)
}
