package vm

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

// agentClient speaks the QEMU guest agent protocol over the virtio-serial
// socket. The channel carries one conversation at a time.
type agentClient struct {
	mu   sync.Mutex
	dial func(ctx context.Context) (net.Conn, error)
	poll time.Duration
}

func newAgentClient(socket string) *agentClient {
	return &agentClient{
		dial: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
		poll: 100 * time.Millisecond,
	}
}

type agentRequest struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type agentError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

type agentResponse struct {
	Return json.RawMessage `json:"return"`
	Error  *agentError     `json:"error"`
}

var errAgentNoReply = errors.New("guest agent closed the channel")

// call runs one command. A guest-sync with a random id first flushes any
// reply left over from an earlier, abandoned conversation.
func (a *agentClient) call(ctx context.Context, cmd string, args any, out any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial guest agent: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(bufio.NewReader(conn))

	syncID := rand.Int64N(1 << 40)
	if err := enc.Encode(agentRequest{Execute: "guest-sync", Arguments: map[string]int64{"id": syncID}}); err != nil {
		return fmt.Errorf("guest-sync: %w", err)
	}
	for {
		var resp agentResponse
		if err := dec.Decode(&resp); err != nil {
			return fmt.Errorf("guest-sync: %w", err)
		}
		var id int64
		if json.Unmarshal(resp.Return, &id) == nil && id == syncID {
			break
		}
	}

	if err := enc.Encode(agentRequest{Execute: cmd, Arguments: args}); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	if out == nil && cmd == "guest-shutdown" {
		// The guest powers off without replying.
		return nil
	}

	var resp agentResponse
	if err := dec.Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %v", cmd, errAgentNoReply, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %s: %s", cmd, resp.Error.Class, resp.Error.Desc)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Return, out); err != nil {
			return fmt.Errorf("%s: decode reply: %w", cmd, err)
		}
	}
	return nil
}

func (a *agentClient) ping(ctx context.Context) error {
	return a.call(ctx, "guest-ping", nil, &struct{}{})
}

func (a *agentClient) shutdown(ctx context.Context) error {
	return a.call(ctx, "guest-shutdown", map[string]string{"mode": "powerdown"}, nil)
}

// waitReady pings until the agent answers or ctx ends.
func (a *agentClient) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(a.poll * 5)
	defer ticker.Stop()
	for {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := a.ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("guest agent not ready: %w (last error: %v)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

type guestExecArgs struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg,omitempty"`
	Env           []string `json:"env,omitempty"`
	InputData     string   `json:"input-data,omitempty"`
	CaptureOutput bool     `json:"capture-output"`
}

type guestExecStatus struct {
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exitcode"`
	Signal   int    `json:"signal"`
	OutData  string `json:"out-data"`
	ErrData  string `json:"err-data"`
}

type execOutput struct {
	exitCode int
	stdout   []byte
	stderr   []byte
}

// exec starts argv in the guest and polls until it exits.
func (a *agentClient) exec(ctx context.Context, argv []string, env []string, stdin []byte) (*execOutput, error) {
	args := guestExecArgs{Path: argv[0], Arg: argv[1:], Env: env, CaptureOutput: true}
	if len(stdin) > 0 {
		args.InputData = base64.StdEncoding.EncodeToString(stdin)
	}

	var started struct {
		PID int `json:"pid"`
	}
	if err := a.call(ctx, "guest-exec", args, &started); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		var st guestExecStatus
		if err := a.call(ctx, "guest-exec-status", map[string]int{"pid": started.PID}, &st); err != nil {
			return nil, err
		}
		if st.Exited {
			out := &execOutput{exitCode: st.ExitCode}
			if st.Signal != 0 && st.ExitCode == 0 {
				out.exitCode = 128 + st.Signal
			}
			var err error
			if out.stdout, err = base64.StdEncoding.DecodeString(st.OutData); err != nil {
				return nil, fmt.Errorf("decode stdout: %w", err)
			}
			if out.stderr, err = base64.StdEncoding.DecodeString(st.ErrData); err != nil {
				return nil, fmt.Errorf("decode stderr: %w", err)
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
