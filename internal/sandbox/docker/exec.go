package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/wskish/discobot-sub010/internal/sandbox"
)

const execPollInterval = 100 * time.Millisecond

func execErr(ctx context.Context, kind error, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", sandbox.ErrTimeout, op, ctx.Err())
	}
	if errdefs.IsConflict(err) {
		return fmt.Errorf("%w: %s: %v", sandbox.ErrNotRunning, op, err)
	}
	return classify(kind, op, err)
}

// closeOnDone closes the hijacked connection when ctx ends so blocking
// reads return. The returned func stops the watcher.
func closeOnDone(ctx context.Context, conn types.HijackedResponse) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

func (p *Provider) Exec(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: empty command", sandbox.ErrExecFailed)
	}
	id, err := p.runningID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	created, err := p.engine.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   opts.WorkDir,
		Env:          envSlice(opts.Env),
		User:         opts.User,
	})
	if err != nil {
		return nil, execErr(ctx, sandbox.ErrExecFailed, "exec create", err)
	}

	conn, err := p.engine.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, execErr(ctx, sandbox.ErrExecFailed, "exec attach", err)
	}
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()

	if opts.Stdin != nil {
		go func() {
			io.Copy(conn.Conn, opts.Stdin)
			conn.CloseWrite()
		}()
	}

	// The engine multiplexes stdout/stderr over one stream with 8-byte headers.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, conn.Reader); err != nil {
		return nil, execErr(ctx, sandbox.ErrExecFailed, "exec read", err)
	}

	inspect, err := p.engine.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, execErr(ctx, sandbox.ErrExecFailed, "exec inspect", err)
	}
	return &sandbox.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

func (p *Provider) ExecStream(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (sandbox.Stream, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: empty command", sandbox.ErrExecFailed)
	}
	id, err := p.runningID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	created, err := p.engine.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   opts.WorkDir,
		Env:          envSlice(opts.Env),
		User:         opts.User,
	})
	if err != nil {
		return nil, execErr(ctx, sandbox.ErrExecFailed, "exec create", err)
	}
	conn, err := p.engine.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, execErr(ctx, sandbox.ErrExecFailed, "exec attach", err)
	}
	return newExecStream(p.engine, created.ID, conn), nil
}

func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	id, err := p.runningID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	cmd := opts.Cmd
	if len(cmd) == 0 {
		cmd = []string{defaultShell}
	}
	var size *[2]uint
	if opts.Rows > 0 && opts.Cols > 0 {
		size = &[2]uint{uint(opts.Rows), uint(opts.Cols)}
	}

	created, err := p.engine.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          envSlice(opts.Env),
		ConsoleSize:  size,
	})
	if err != nil {
		return nil, execErr(ctx, sandbox.ErrAttachFailed, "attach create", err)
	}
	conn, err := p.engine.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true, ConsoleSize: size})
	if err != nil {
		return nil, execErr(ctx, sandbox.ErrAttachFailed, "attach", err)
	}

	pty := &execPTY{engine: p.engine, execID: created.ID, conn: conn}
	if size != nil {
		if err := pty.Resize(ctx, opts.Rows, opts.Cols); err != nil {
			p.logger.Debug("docker: initial resize failed", "session_id", sessionID, "error", err)
		}
	}
	return pty, nil
}

// waitExec polls the exec until it exits or ctx ends.
func waitExec(ctx context.Context, engine Engine, execID string) (int, error) {
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()
	for {
		inspect, err := engine.ContainerExecInspect(ctx, execID)
		if err != nil {
			if ctx.Err() != nil {
				return -1, ctx.Err()
			}
			return -1, classify(sandbox.ErrExecFailed, "exec inspect", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

type execPTY struct {
	engine    Engine
	execID    string
	conn      types.HijackedResponse
	closeOnce sync.Once
}

func (t *execPTY) Read(p []byte) (int, error)  { return t.conn.Reader.Read(p) }
func (t *execPTY) Write(p []byte) (int, error) { return t.conn.Conn.Write(p) }

func (t *execPTY) Resize(ctx context.Context, rows, cols int) error {
	err := t.engine.ContainerExecResize(ctx, t.execID, container.ResizeOptions{Height: uint(rows), Width: uint(cols)})
	if err != nil {
		return classify(sandbox.ErrAttachFailed, "resize", err)
	}
	return nil
}

func (t *execPTY) Close() error {
	t.closeOnce.Do(t.conn.Close)
	return nil
}

func (t *execPTY) Wait(ctx context.Context) (int, error) {
	return waitExec(ctx, t.engine, t.execID)
}

type execStream struct {
	engine    Engine
	execID    string
	conn      types.HijackedResponse
	stdout    *io.PipeReader
	stderr    *io.PipeReader
	closeOnce sync.Once
}

func newExecStream(engine Engine, execID string, conn types.HijackedResponse) *execStream {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, conn.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
	return &execStream{engine: engine, execID: execID, conn: conn, stdout: outR, stderr: errR}
}

func (s *execStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *execStream) Write(p []byte) (int, error) { return s.conn.Conn.Write(p) }
func (s *execStream) Stderr() io.Reader           { return s.stderr }
func (s *execStream) CloseWrite() error           { return s.conn.CloseWrite() }

func (s *execStream) Close() error {
	s.closeOnce.Do(s.conn.Close)
	return nil
}

func (s *execStream) Wait(ctx context.Context) (int, error) {
	return waitExec(ctx, s.engine, s.execID)
}
