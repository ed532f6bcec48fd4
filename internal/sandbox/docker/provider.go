// Package docker maps sessions onto engine containers 1:1. Containers are
// named prefix+sessionID so a restarted orchestrator rediscovers them.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/wskish/discobot-sub010/internal/sandbox"
)

const (
	labelPrefix    = "discobot."
	labelManaged   = labelPrefix + "managed"
	labelSessionID = labelPrefix + "session_id"
	labelImage     = labelPrefix + "image"

	workspaceOrigin  = "/.workspace.origin"
	workspaceVolume  = "discobot-workspace-"
	defaultShell     = "/bin/sh"
	eventsRetryDelay = 5 * time.Second
)

type Config struct {
	Image             string
	NamePrefix        string
	Network           string
	AgentPort         int
	MemoryMB          int
	CPUCores          float64
	WorkspaceReadOnly bool
}

type Provider struct {
	engine Engine
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	ids   map[string]string // sessionID -> container ID; a cache, never authoritative
	locks map[string]*sync.Mutex

	retryDelay time.Duration
}

func New(engine Engine, cfg Config, logger *slog.Logger) *Provider {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "discobot-session-"
	}
	if cfg.AgentPort == 0 {
		cfg.AgentPort = 3002
	}
	return &Provider{
		engine:     engine,
		cfg:        cfg,
		logger:     logger,
		ids:        make(map[string]string),
		locks:      make(map[string]*sync.Mutex),
		retryDelay: eventsRetryDelay,
	}
}

func (p *Provider) containerName(sessionID string) string {
	return p.cfg.NamePrefix + sessionID
}

// sessionLock serializes lifecycle calls for one session. Engine I/O runs
// under it, never under p.mu.
func (p *Provider) sessionLock(sessionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	mu, ok := p.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[sessionID] = mu
	}
	return mu
}

func (p *Provider) cached(sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.ids[sessionID]
	return id, ok
}

func (p *Provider) remember(sessionID, id string) {
	p.mu.Lock()
	p.ids[sessionID] = id
	p.mu.Unlock()
}

func (p *Provider) forget(sessionID string) {
	p.mu.Lock()
	delete(p.ids, sessionID)
	p.mu.Unlock()
}

// classify wraps an engine error with a contract error kind. The engine
// error is formatted, not wrapped, so its type stays behind the boundary.
// A nil fallback leaves unrecognized failures, such as an unreachable
// daemon, without a kind.
func classify(fallback error, op string, err error) error {
	kind := fallback
	switch {
	case errdefs.IsNotFound(err):
		kind = sandbox.ErrNotFound
	case errdefs.IsResourceExhausted(err):
		kind = sandbox.ErrResourceLimitExceeded
	case errdefs.IsDeadlineExceeded(err), errors.Is(err, context.DeadlineExceeded):
		kind = sandbox.ErrTimeout
	}
	if kind == nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return fmt.Errorf("%w: %s: %v", kind, op, err)
}

func (p *Provider) Image() string { return p.cfg.Image }

func (p *Provider) ImageExists(ctx context.Context) bool {
	_, err := p.engine.ImageInspect(ctx, p.cfg.Image)
	return err == nil
}

// Ping verifies the engine is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.engine.Ping(ctx)
	return err
}

func (p *Provider) ensureImage(ctx context.Context) error {
	if p.cfg.Image == "" {
		return fmt.Errorf("%w: no image configured", sandbox.ErrInvalidImage)
	}
	_, err := p.engine.ImageInspect(ctx, p.cfg.Image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: inspect %s: %v", sandbox.ErrInvalidImage, p.cfg.Image, err)
	}

	p.logger.Info("docker: pulling image", "image", p.cfg.Image)
	rc, err := p.engine.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", sandbox.ErrInvalidImage, p.cfg.Image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: pull %s: %v", sandbox.ErrInvalidImage, p.cfg.Image, err)
	}
	return nil
}

// lookup resolves the container for a session from the cache, falling back
// to the deterministic name. ok is false when no container exists.
func (p *Provider) lookup(ctx context.Context, sessionID string) (container.InspectResponse, bool, error) {
	ref := p.containerName(sessionID)
	if id, ok := p.cached(sessionID); ok {
		ref = id
	}
	info, err := p.engine.ContainerInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			p.forget(sessionID)
			return info, false, nil
		}
		return info, false, classify(nil, "inspect "+sessionID, err)
	}
	if info.ContainerJSONBase != nil {
		p.remember(sessionID, info.ID)
	}
	return info, true, nil
}

func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	existing, found, err := p.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if found {
		if sandboxFromInspect(sessionID, existing).Status.Active() {
			return nil, fmt.Errorf("%w: session %s", sandbox.ErrAlreadyExists, sessionID)
		}
		// Leftover from a crashed run; never reuse its state.
		p.logger.Warn("docker: removing stale container", "session_id", sessionID, "container_id", existing.ID)
		if err := p.engine.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			return nil, classify(sandbox.ErrStartFailed, "remove stale container", err)
		}
		p.forget(sessionID)
	}

	if err := p.ensureImage(ctx); err != nil {
		return nil, err
	}

	containerCfg, hostCfg, err := p.buildSpec(sessionID, opts)
	if err != nil {
		return nil, err
	}

	resp, err := p.engine.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, p.containerName(sessionID))
	if err != nil {
		if errdefs.IsConflict(err) {
			return nil, fmt.Errorf("%w: session %s: %v", sandbox.ErrAlreadyExists, sessionID, err)
		}
		return nil, classify(sandbox.ErrStartFailed, "container create", err)
	}
	p.remember(sessionID, resp.ID)
	p.logger.Info("docker: container created", "session_id", sessionID, "container_id", resp.ID)

	info, err := p.engine.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return &sandbox.Sandbox{
			ID:        resp.ID,
			SessionID: sessionID,
			Status:    sandbox.StatusCreated,
			Image:     p.cfg.Image,
			CreatedAt: time.Now().UTC(),
		}, nil
	}
	return sandboxFromInspect(sessionID, info), nil
}

func (p *Provider) buildSpec(sessionID string, opts sandbox.CreateOptions) (*container.Config, *container.HostConfig, error) {
	labels := map[string]string{
		labelManaged:   "true",
		labelSessionID: sessionID,
		labelImage:     p.cfg.Image,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	env := []string{"SESSION_ID=" + sessionID, "PORT=" + strconv.Itoa(p.cfg.AgentPort)}
	if opts.SharedSecret != "" {
		env = append(env, "SHARED_SECRET="+opts.SharedSecret)
	}
	if opts.WorkspaceCommit != "" {
		env = append(env, "WORKSPACE_COMMIT="+opts.WorkspaceCommit)
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeVolume,
			Source: workspaceVolume + sessionID,
			Target: "/workspace",
		},
		{
			Type:         mount.TypeTmpfs,
			Target:       "/tmp",
			TmpfsOptions: &mount.TmpfsOptions{SizeBytes: 512 * units.MiB},
		},
	}

	if opts.WorkspacePath != "" {
		if info, err := os.Stat(opts.WorkspacePath); err == nil && info.IsDir() {
			mounts = append(mounts, mount.Mount{
				Type:     mount.TypeBind,
				Source:   opts.WorkspacePath,
				Target:   workspaceOrigin,
				ReadOnly: p.cfg.WorkspaceReadOnly,
			})
			env = append(env, "WORKSPACE_PATH="+workspaceOrigin)
		} else if err == nil {
			return nil, nil, fmt.Errorf("%w: workspace %s is not a directory", sandbox.ErrStartFailed, opts.WorkspacePath)
		} else {
			// Not a local path; the agent clones it.
			env = append(env, "WORKSPACE_PATH="+opts.WorkspacePath)
		}
	}

	memMB := p.cfg.MemoryMB
	if opts.Resources.MemoryMB > 0 {
		memMB = opts.Resources.MemoryMB
	}
	cpus := p.cfg.CPUCores
	if opts.Resources.CPUCores > 0 {
		cpus = opts.Resources.CPUCores
	}

	agentPort, err := nat.NewPort("tcp", strconv.Itoa(p.cfg.AgentPort))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: agent port: %v", sandbox.ErrStartFailed, err)
	}

	containerCfg := &container.Config{
		Image:        p.cfg.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{agentPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(cpus * 1e9),
			Memory:   int64(memMB) * units.MiB,
		},
		PortBindings: nat.PortMap{
			agentPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		Mounts:      mounts,
		SecurityOpt: []string{"no-new-privileges"},
	}
	if p.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(p.cfg.Network)
	}
	return containerCfg, hostCfg, nil
}

func (p *Provider) Start(ctx context.Context, sessionID string) error {
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	info, found, err := p.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	if info.State != nil && info.State.Running {
		return sandbox.ErrAlreadyRunning
	}
	if err := p.engine.ContainerStart(ctx, info.ID, container.StartOptions{}); err != nil {
		return classify(sandbox.ErrStartFailed, "container start", err)
	}
	p.logger.Info("docker: container started", "session_id", sessionID, "container_id", info.ID)
	return nil
}

// Stop asks the engine to stop the container; the engine escalates to
// SIGKILL once timeout elapses.
func (p *Provider) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	info, found, err := p.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	switch sandboxFromInspect(sessionID, info).Status {
	case sandbox.StatusStopped, sandbox.StatusFailed:
		return nil
	case sandbox.StatusCreated:
		return fmt.Errorf("%w: session %s was never started", sandbox.ErrNotRunning, sessionID)
	}

	secs := int(timeout.Round(time.Second) / time.Second)
	if err := p.engine.ContainerStop(ctx, info.ID, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			p.forget(sessionID)
			return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
		}
		return classify(sandbox.ErrTimeout, "container stop", err)
	}
	return nil
}

func (p *Provider) Remove(ctx context.Context, sessionID string) error {
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	info, found, err := p.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if found {
		err := p.engine.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !errdefs.IsNotFound(err) {
			return classify(nil, "container remove", err)
		}
		p.logger.Info("docker: container removed", "session_id", sessionID, "container_id", info.ID)
	}

	// RemoveVolumes only covers anonymous volumes.
	vol := workspaceVolume + sessionID
	if err := p.engine.VolumeRemove(ctx, vol, true); err != nil && !errdefs.IsNotFound(err) {
		return classify(nil, "volume remove "+vol, err)
	}

	p.mu.Lock()
	delete(p.ids, sessionID)
	delete(p.locks, sessionID)
	p.mu.Unlock()
	return nil
}

func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	info, found, err := p.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	return sandboxFromInspect(sessionID, info), nil
}

func (p *Provider) List(ctx context.Context) ([]*sandbox.Sandbox, error) {
	f := filters.NewArgs()
	f.Add("label", labelManaged+"=true")

	containers, err := p.engine.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, classify(nil, "container list", err)
	}

	out := make([]*sandbox.Sandbox, 0, len(containers))
	for _, ctr := range containers {
		sessionID := ctr.Labels[labelSessionID]
		if sessionID == "" {
			continue
		}
		info, err := p.engine.ContainerInspect(ctx, ctr.ID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, classify(nil, "inspect "+ctr.ID, err)
		}
		p.remember(sessionID, ctr.ID)
		out = append(out, sandboxFromInspect(sessionID, info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (p *Provider) runningID(ctx context.Context, sessionID string) (string, error) {
	info, found, err := p.lookup(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	if info.State == nil || !info.State.Running {
		return "", fmt.Errorf("%w: session %s", sandbox.ErrNotRunning, sessionID)
	}
	return info.ID, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (p *Provider) Close() error {
	return p.engine.Close()
}
