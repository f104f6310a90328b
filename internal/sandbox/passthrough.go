package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// PassthroughBackend runs commands directly on the host using the
// in-process shell's working directory conventions, with no isolation.
// It exists for local development and the test suite — a deployment that
// actually needs isolation registers DockerBackend (or another real
// backend) instead; PassthroughBackend's capability enforcement for
// Network/WritableMounts is advisory only since there is no container
// boundary to enforce it at.
type PassthroughBackend struct{}

func NewPassthroughBackend() *PassthroughBackend { return &PassthroughBackend{} }

func (b *PassthroughBackend) Name() string { return "passthrough" }

func (b *PassthroughBackend) Create(ctx context.Context, caps Capabilities) (BackendInstance, error) {
	return &passthroughInstance{caps: caps}, nil
}

type passthroughInstance struct {
	caps    Capabilities
	started bool
}

func (p *passthroughInstance) Start(ctx context.Context) error {
	p.started = true
	return nil
}

func (p *passthroughInstance) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if !p.started {
		return ExecResult{}, errors.New("sandbox: passthrough instance not started")
	}
	if len(req.Command) == 0 {
		return ExecResult{}, errors.New("sandbox: empty command")
	}

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
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
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	case err != nil:
		return res, err
	}
	return res, nil
}

func (p *passthroughInstance) Stop(ctx context.Context) error {
	p.started = false
	return nil
}

func (p *passthroughInstance) Snapshot(ctx context.Context) (string, error) {
	return "", ErrSnapshotUnsupported
}
