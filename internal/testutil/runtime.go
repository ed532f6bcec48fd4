package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wskish/discobot-sub010/internal/sandbox"
)

// Call is one mutating Runtime invocation recorded by FakeRuntime.
type Call struct {
	Op        string
	SessionID string
}

// FakeRuntime is an in-memory sandbox.Runtime. It keeps the one active
// sandbox per session rule and records every mutating call.
type FakeRuntime struct {
	mu        sync.Mutex
	image     string
	sandboxes map[string]*sandbox.Sandbox
	calls     []Call
	watch     *sandbox.Broadcaster

	// Injected failures, keyed by operation name ("create", "start", ...).
	errs map[string]error

	// ExecFunc, when set, produces Exec results.
	ExecFunc func(sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error)

	// BeforeCreate, when set, runs at the start of Create outside the lock.
	BeforeCreate func(sessionID string)
}

func NewFakeRuntime(image string) *FakeRuntime {
	return &FakeRuntime{
		image:     image,
		sandboxes: make(map[string]*sandbox.Sandbox),
		errs:      make(map[string]error),
		watch:     sandbox.NewBroadcaster(0),
	}
}

// SetImage changes the image new sandboxes are created from.
func (f *FakeRuntime) SetImage(image string) {
	f.mu.Lock()
	f.image = image
	f.mu.Unlock()
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
func (f *FakeRuntime) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// Calls returns the recorded mutating calls.
func (f *FakeRuntime) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *FakeRuntime) ResetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// Put seeds a sandbox without recording a call.
func (f *FakeRuntime) Put(sb *sandbox.Sandbox) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[sb.SessionID] = sb.Clone()
}

// Crash marks a sandbox failed as if its process died, and notifies watchers.
func (f *FakeRuntime) Crash(sessionID, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[sessionID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	sb.Status = sandbox.StatusFailed
	sb.Error = msg
	sb.StoppedAt = &now
	f.publishLocked(sb)
}

func (f *FakeRuntime) record(op, sessionID string) error {
	f.calls = append(f.calls, Call{Op: op, SessionID: sessionID})
	return f.errs[op]
}

func (f *FakeRuntime) publishLocked(sb *sandbox.Sandbox) {
	f.watch.Publish(sandbox.StateEvent{
		SessionID: sb.SessionID,
		Status:    sb.Status,
		Timestamp: time.Now().UTC(),
		Error:     sb.Error,
	})
}

func (f *FakeRuntime) Image() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.image
}

func (f *FakeRuntime) ImageExists(context.Context) bool { return true }

func (f *FakeRuntime) Create(_ context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	if f.BeforeCreate != nil {
		f.BeforeCreate(sessionID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create", sessionID); err != nil {
		return nil, err
	}
	if sb, ok := f.sandboxes[sessionID]; ok && sb.Status.Active() {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrAlreadyExists, sessionID)
	}
	env := map[string]string{"SESSION_ID": sessionID}
	if opts.WorkspacePath != "" {
		env["WORKSPACE_PATH"] = opts.WorkspacePath
	}
	sb := &sandbox.Sandbox{
		ID:        "fake-" + sessionID,
		SessionID: sessionID,
		Status:    sandbox.StatusCreated,
		Image:     f.image,
		CreatedAt: time.Now().UTC(),
		Metadata:  map[string]string{},
		Env:       env,
	}
	for k, v := range opts.Labels {
		sb.Metadata["label."+k] = v
	}
	f.sandboxes[sessionID] = sb
	f.publishLocked(sb)
	return sb.Clone(), nil
}

func (f *FakeRuntime) Start(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("start", sessionID); err != nil {
		return err
	}
	sb, ok := f.sandboxes[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, sessionID)
	}
	if sb.Status == sandbox.StatusRunning {
		return fmt.Errorf("%w: %s", sandbox.ErrAlreadyRunning, sessionID)
	}
	now := time.Now().UTC()
	sb.Status = sandbox.StatusRunning
	sb.StartedAt = &now
	sb.StoppedAt = nil
	sb.Error = ""
	sb.Ports = []sandbox.AssignedPort{{ContainerPort: 3002, HostPort: 40000, HostIP: "127.0.0.1", Protocol: "tcp"}}
	f.publishLocked(sb)
	return nil
}

func (f *FakeRuntime) Stop(_ context.Context, sessionID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("stop", sessionID); err != nil {
		return err
	}
	sb, ok := f.sandboxes[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, sessionID)
	}
	switch sb.Status {
	case sandbox.StatusStopped, sandbox.StatusFailed:
		return nil
	case sandbox.StatusCreated:
		return fmt.Errorf("%w: %s", sandbox.ErrNotRunning, sessionID)
	}
	now := time.Now().UTC()
	sb.Status = sandbox.StatusStopped
	sb.StoppedAt = &now
	f.publishLocked(sb)
	return nil
}

func (f *FakeRuntime) Remove(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("remove", sessionID); err != nil {
		return err
	}
	if _, ok := f.sandboxes[sessionID]; !ok {
		return nil
	}
	delete(f.sandboxes, sessionID)
	f.watch.Publish(sandbox.StateEvent{SessionID: sessionID, Status: sandbox.StatusRemoved, Timestamp: time.Now().UTC()})
	return nil
}

func (f *FakeRuntime) Get(_ context.Context, sessionID string) (*sandbox.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["get"]; err != nil {
		return nil, err
	}
	sb, ok := f.sandboxes[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, sessionID)
	}
	return sb.Clone(), nil
}

func (f *FakeRuntime) List(context.Context) ([]*sandbox.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs["list"]; err != nil {
		return nil, err
	}
	out := make([]*sandbox.Sandbox, 0, len(f.sandboxes))
	for _, sb := range f.sandboxes {
		out = append(out, sb.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (f *FakeRuntime) Exec(_ context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	sb, ok := f.sandboxes[sessionID]
	running := ok && sb.Status == sandbox.StatusRunning
	execFn := f.ExecFunc
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, sessionID)
	}
	if !running {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotRunning, sessionID)
	}
	if execFn != nil {
		return execFn(sessionID, cmd, opts)
	}
	return &sandbox.ExecResult{}, nil
}

func (f *FakeRuntime) ExecStream(context.Context, string, []string, sandbox.ExecOptions) (sandbox.Stream, error) {
	return sandbox.NewUnsupportedStream("streaming is not available in the fake runtime\n"), nil
}

func (f *FakeRuntime) Attach(context.Context, string, sandbox.AttachOptions) (sandbox.PTY, error) {
	return sandbox.NewUnsupportedPTY("terminal access is not available in the fake runtime\n"), nil
}

func (f *FakeRuntime) Watch(ctx context.Context) (<-chan sandbox.StateEvent, error) {
	list, _ := f.List(ctx)
	return f.watch.Subscribe(ctx, sandbox.EventsFor(list)), nil
}

func (f *FakeRuntime) Close() error { return nil }

var _ sandbox.Runtime = (*FakeRuntime)(nil)
