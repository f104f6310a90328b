package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// DockerBackend runs instances as `docker run` containers, mirroring
// haasonsaas-nexus's dockerExecutor: network disabled by default, cpu/
// memory/pids/nofile limits applied, and each of Capabilities.WritableMounts
// bind-mounted at the same path; nothing is copied into the container.
type DockerBackend struct {
	Image string
}

// NewDockerBackend creates a backend that launches containers from image.
func NewDockerBackend(image string) *DockerBackend {
	return &DockerBackend{Image: image}
}

func (b *DockerBackend) Name() string { return "docker" }

func (b *DockerBackend) Create(ctx context.Context, caps Capabilities) (BackendInstance, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("sandbox: docker not found on PATH: %w", err)
	}
	return &dockerInstance{image: b.Image, caps: caps}, nil
}

type dockerInstance struct {
	image       string
	caps        Capabilities
	containerID string
}

// Start creates (but per Docker semantics doesn't need to separately
// "boot") a long-lived sleep container the instance execs into, so that
// state persists across multiple Exec calls within one instance lifetime —
// matching nexus's pattern of a reusable pooled container rather than one
// container per command.
func (d *dockerInstance) Start(ctx context.Context) error {
	args := d.baseArgs()
	args = append(args, "-d", d.image, "sleep", "infinity")
	out, err := exec.CommandContext(ctx, "docker", args...).Output()
	if err != nil {
		return fmt.Errorf("docker run: %w", err)
	}
	d.containerID = firstLine(string(out))
	return nil
}

func (d *dockerInstance) baseArgs() []string {
	args := []string{"run"}
	if !d.caps.Network {
		args = append(args, "--network", "none")
	}
	if d.caps.CPULimit > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(d.caps.CPULimit, 'f', -1, 64))
	}
	if d.caps.MemoryLimitMB > 0 {
		mem := fmt.Sprintf("%dm", d.caps.MemoryLimitMB)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	args = append(args, "--pids-limit", "100", "--ulimit", "nofile=1024:1024")
	if !d.caps.ElevatedPrivileges {
		args = append(args, "--cap-drop", "ALL", "--security-opt", "no-new-privileges")
	}
	for _, mount := range d.caps.WritableMounts {
		args = append(args, "-v", mount+":"+mount)
	}
	return args
}

func (d *dockerInstance) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if d.containerID == "" {
		return ExecResult{}, errors.New("sandbox: docker instance not started")
	}
	args := []string{"exec"}
	if req.Dir != "" {
		args = append(args, "-w", req.Dir)
	}
	for k, v := range req.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, d.containerID)
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		err = nil
	case err != nil:
		return res, fmt.Errorf("docker exec: %w", err)
	}
	return res, err
}

func (d *dockerInstance) Stop(ctx context.Context) error {
	if d.containerID == "" {
		return nil
	}
	// Allow up to 5s for graceful stop before Docker sends SIGKILL.
	_, _ = exec.CommandContext(ctx, "docker", "stop", "-t", "5", d.containerID).Output()
	_, err := exec.CommandContext(ctx, "docker", "rm", "-f", d.containerID).Output()
	return err
}

func (d *dockerInstance) Snapshot(ctx context.Context) (string, error) {
	if d.containerID == "" {
		return "", ErrNotRunning
	}
	tag := fmt.Sprintf("%s-snap-%d", d.containerID[:12], time.Now().UnixNano())
	if _, err := exec.CommandContext(ctx, "docker", "commit", d.containerID, tag).Output(); err != nil {
		return "", fmt.Errorf("docker commit: %w", err)
	}
	return tag, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
