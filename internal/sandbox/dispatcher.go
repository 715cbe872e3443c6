package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"gateway/internal/capability"
	"gateway/internal/config"
)

// Environment variables carried into executor containers. The entrypoint
// verifies the token before decoding the task.
const (
	EnvCapabilityToken = "GATEWAY_CAPABILITY_TOKEN"
	EnvTaskPayload     = "GATEWAY_TASK"
)

// Dispatcher owns the ephemeral executor lifecycle: token mint, container
// run, output capping and teardown. It never returns an error to the
// orchestrator; every failure is an ExecutorResult with Success false so the
// loop can feed it back to the model as a tool_result.
type Dispatcher struct {
	cfg     config.ExecutorsConfig
	mounts  []config.MountConfig
	signer  *capability.Signer
	runtime Runtime
	sem     *semaphore.Weighted
	log     *zap.Logger
}

// NewDispatcher wires a dispatcher over the given runtime.
func NewDispatcher(cfg config.ExecutorsConfig, mounts []config.MountConfig, signer *capability.Signer, runtime Runtime, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Dispatcher{
		cfg:     cfg,
		mounts:  mounts,
		signer:  signer,
		runtime: runtime,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		log:     log.Named("sandbox"),
	}
}

// Dispatch runs one task in a fresh container of the given executor type.
func (d *Dispatcher) Dispatch(ctx context.Context, executorType string, task Task) *ExecutorResult {
	start := time.Now()

	policy, ok := d.cfg.ForType(executorType)
	if !ok {
		return failure(start, fmt.Sprintf("unknown executor type %q", executorType))
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return failure(start, fmt.Sprintf("dispatch cancelled: %v", err))
	}
	defer d.sem.Release(1)

	timeout := policy.Timeout()
	if task.TimeoutSeconds > 0 {
		timeout = time.Duration(task.TimeoutSeconds) * time.Second
	}
	task.TimeoutSeconds = int(timeout.Seconds())

	maxOutput := policy.DefaultMaxOutput
	if task.MaxOutputBytes > 0 {
		maxOutput = task.MaxOutputBytes
	}
	task.MaxOutputBytes = maxOutput

	if executorType == ExecutorWeb && task.ResultFormat == "" {
		task.ResultFormat = policy.ResultFormat
	}

	network := capability.NetworkPolicy{Mode: capability.NetworkNone}
	specNetwork := NetworkNone
	if executorType == ExecutorWeb && len(task.AllowedDomains) > 0 {
		network = capability.NetworkPolicy{Mode: capability.NetworkDomains, AllowedDomains: task.AllowedDomains}
		specNetwork = NetworkFiltered
	}

	mounts := make([]capability.Mount, 0, len(d.mounts))
	specMounts := make([]MountSpec, 0, len(d.mounts))
	for _, m := range d.mounts {
		mounts = append(mounts, capability.Mount{HostPath: m.HostPath, ContainerPath: m.ContainerPath, ReadOnly: m.ReadOnly})
		specMounts = append(specMounts, MountSpec{HostPath: m.HostPath, ContainerPath: m.ContainerPath, ReadOnly: m.ReadOnly})
	}

	token, err := d.signer.Mint(capability.Claims{
		ExecutorType:   executorType,
		Mounts:         mounts,
		Network:        network,
		TimeoutSeconds: task.TimeoutSeconds,
		MaxOutputBytes: maxOutput,
	})
	if err != nil {
		return failure(start, fmt.Sprintf("mint capability token: %v", err))
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return failure(start, fmt.Sprintf("encode task: %v", err))
	}

	name := "gateway-exec-" + uuid.NewString()
	spec := RunSpec{
		Name:      name,
		Image:     policy.Image,
		Network:   specNetwork,
		Memory:    policy.MemoryLimit,
		CPUs:      policy.CPULimit,
		PidsLimit: 128,
		Mounts:    specMounts,
		Env: map[string]string{
			EnvCapabilityToken: token,
			EnvTaskPayload:     base64.StdEncoding.EncodeToString(payload),
		},
	}

	d.log.Info("dispatching executor",
		zap.String("executor", executorType),
		zap.String("tool", task.Tool),
		zap.String("container", name),
		zap.Duration("timeout", timeout))

	// Teardown on every exit path. The remove context is fresh so a
	// cancelled dispatch still cleans up.
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.runtime.Remove(removeCtx, name); err != nil {
			d.log.Warn("container remove failed", zap.String("container", name), zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.runtime.Run(runCtx, spec, maxOutput)
	elapsed := time.Since(start)
	if err != nil {
		d.log.Warn("executor run failed", zap.String("container", name), zap.Error(err))
		return failure(start, fmt.Sprintf("container run: %v", err))
	}
	if out.TimedOut {
		return &ExecutorResult{
			Success:    false,
			ExitCode:   -1,
			Stderr:     truncate(out.Stderr, maxOutput),
			DurationMs: elapsed.Milliseconds(),
			Error:      "timeout",
		}
	}

	result := parseExecutorResult(out)
	result.DurationMs = elapsed.Milliseconds()
	result.Stdout = truncate(result.Stdout, maxOutput)
	result.Stderr = truncate(result.Stderr, maxOutput)
	return result
}

// parseExecutorResult reads the last JSON line of stdout as the executor's
// self-report. Anything unparseable is a synthesized failure carrying the
// raw output so the model still sees what happened.
func parseExecutorResult(out *RunOutput) *ExecutorResult {
	lines := strings.Split(strings.TrimRight(out.Stdout, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var result ExecutorResult
		if err := json.Unmarshal([]byte(line), &result); err == nil {
			return &result
		}
		break
	}
	return &ExecutorResult{
		Success:  false,
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Error:    "executor produced no result line",
	}
}

func failure(start time.Time, msg string) *ExecutorResult {
	return &ExecutorResult{
		Success:    false,
		ExitCode:   -1,
		DurationMs: time.Since(start).Milliseconds(),
		Error:      msg,
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
