package vm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequest struct {
	Execute   string          `json:"execute"`
	Arguments json.RawMessage `json:"arguments"`
}

// fakeGuest answers guest agent commands over in-memory pipes.
type fakeGuest struct {
	mu       sync.Mutex
	handle   func(req fakeRequest) (any, *agentError)
	commands []string
	// stale is written before the sync reply, as a leftover from an
	// abandoned conversation would be.
	stale bool
}

func (g *fakeGuest) client() *agentClient {
	return &agentClient{
		dial: func(ctx context.Context) (net.Conn, error) {
			client, server := net.Pipe()
			go g.serve(server)
			return client, nil
		},
		poll: 5 * time.Millisecond,
	}
}

func (g *fakeGuest) serve(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req fakeRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		g.mu.Lock()
		g.commands = append(g.commands, req.Execute)
		stale := g.stale
		g.mu.Unlock()

		if req.Execute == "guest-sync" {
			var args struct {
				ID int64 `json:"id"`
			}
			json.Unmarshal(req.Arguments, &args)
			if stale {
				enc.Encode(map[string]any{"return": 12345})
			}
			enc.Encode(map[string]any{"return": args.ID})
			continue
		}
		if req.Execute == "guest-shutdown" {
			return
		}
		ret, agentErr := g.handle(req)
		if agentErr != nil {
			enc.Encode(map[string]any{"error": agentErr})
			continue
		}
		enc.Encode(map[string]any{"return": ret})
	}
}

func (g *fakeGuest) seen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.commands...)
}

func TestAgentPing(t *testing.T) {
	g := &fakeGuest{handle: func(req fakeRequest) (any, *agentError) { return map[string]any{}, nil }}
	a := g.client()

	require.NoError(t, a.ping(context.Background()))
	assert.Equal(t, []string{"guest-sync", "guest-ping"}, g.seen())
}

func TestAgentSkipsStaleReplies(t *testing.T) {
	g := &fakeGuest{stale: true, handle: func(req fakeRequest) (any, *agentError) { return map[string]any{}, nil }}
	require.NoError(t, g.client().ping(context.Background()))
}

func TestAgentError(t *testing.T) {
	g := &fakeGuest{handle: func(req fakeRequest) (any, *agentError) {
		return nil, &agentError{Class: "CommandNotFound", Desc: "no such command"}
	}}
	err := g.client().ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CommandNotFound")
	assert.Contains(t, err.Error(), "no such command")
}

func TestAgentShutdownExpectsNoReply(t *testing.T) {
	g := &fakeGuest{handle: func(req fakeRequest) (any, *agentError) { return nil, nil }}
	require.NoError(t, g.client().shutdown(context.Background()))
	assert.Eventually(t, func() bool { return len(g.seen()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"guest-sync", "guest-shutdown"}, g.seen())
}

func TestAgentExec(t *testing.T) {
	var got guestExecArgs
	polls := 0
	g := &fakeGuest{}
	g.handle = func(req fakeRequest) (any, *agentError) {
		switch req.Execute {
		case "guest-exec":
			json.Unmarshal(req.Arguments, &got)
			return map[string]int{"pid": 42}, nil
		case "guest-exec-status":
			polls++
			if polls < 3 {
				return guestExecStatus{Exited: false}, nil
			}
			return guestExecStatus{
				Exited:   true,
				ExitCode: 2,
				OutData:  base64.StdEncoding.EncodeToString([]byte("out")),
				ErrData:  base64.StdEncoding.EncodeToString([]byte("err")),
			}, nil
		}
		return nil, &agentError{Class: "GenericError", Desc: req.Execute}
	}

	out, err := g.client().exec(context.Background(), []string{"git", "status"}, []string{"A=1"}, []byte("in"))
	require.NoError(t, err)
	assert.Equal(t, 2, out.exitCode)
	assert.Equal(t, "out", string(out.stdout))
	assert.Equal(t, "err", string(out.stderr))
	assert.Equal(t, 3, polls)

	assert.Equal(t, "git", got.Path)
	assert.Equal(t, []string{"status"}, got.Arg)
	assert.Equal(t, []string{"A=1"}, got.Env)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("in")), got.InputData)
	assert.True(t, got.CaptureOutput)
}

func TestAgentExecSignal(t *testing.T) {
	g := &fakeGuest{}
	g.handle = func(req fakeRequest) (any, *agentError) {
		if req.Execute == "guest-exec" {
			return map[string]int{"pid": 1}, nil
		}
		return guestExecStatus{Exited: true, Signal: 9}, nil
	}
	out, err := g.client().exec(context.Background(), []string{"sleep", "1"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 137, out.exitCode)
}

func TestAgentWaitReadyTimesOut(t *testing.T) {
	a := &agentClient{
		dial: func(ctx context.Context) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Net: "unix", Err: assert.AnError}
		},
		poll: time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := a.waitReady(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
