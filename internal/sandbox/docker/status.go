package docker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"

	"github.com/wskish/discobot-sub010/internal/sandbox"
)

// Exit codes produced by SIGKILL and SIGTERM count as a deliberate stop.
func isStopExitCode(code int) bool {
	return code == 0 || code == 137 || code == 143
}

func parseEngineTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() || t.Year() <= 1 {
		return nil
	}
	t = t.UTC()
	return &t
}

// sandboxFromInspect derives the shared state machine from live engine state.
func sandboxFromInspect(sessionID string, info container.InspectResponse) *sandbox.Sandbox {
	sb := &sandbox.Sandbox{
		SessionID: sessionID,
		Status:    sandbox.StatusCreated,
		Metadata:  map[string]string{},
	}

	if base := info.ContainerJSONBase; base != nil {
		sb.ID = base.ID
		sb.Metadata["container_name"] = strings.TrimPrefix(base.Name, "/")
		if t := parseEngineTime(base.Created); t != nil {
			sb.CreatedAt = *t
		}
		if st := base.State; st != nil {
			applyState(sb, st)
		}
	}

	if cfg := info.Config; cfg != nil {
		sb.Image = cfg.Image
		if img, ok := cfg.Labels[labelImage]; ok && img != "" {
			sb.Image = img
		}
		sb.Env = parseEnv(cfg.Env)
	}

	if ns := info.NetworkSettings; ns != nil {
		for port, bindings := range ns.Ports {
			for _, b := range bindings {
				hostPort, _ := strconv.Atoi(b.HostPort)
				sb.Ports = append(sb.Ports, sandbox.AssignedPort{
					ContainerPort: port.Int(),
					HostPort:      hostPort,
					HostIP:        b.HostIP,
					Protocol:      port.Proto(),
				})
			}
		}
	}
	return sb
}

func applyState(sb *sandbox.Sandbox, st *container.State) {
	started := parseEngineTime(st.StartedAt)
	finished := parseEngineTime(st.FinishedAt)

	switch {
	case st.Running && !st.Paused:
		sb.Status = sandbox.StatusRunning
		sb.StartedAt = started
	case st.Paused:
		sb.Status = sandbox.StatusStopped
		sb.StartedAt = started
	case st.Dead || st.OOMKilled:
		sb.Status = sandbox.StatusFailed
		sb.StartedAt = started
		sb.StoppedAt = finished
		sb.Error = st.Error
		if sb.Error == "" && st.OOMKilled {
			sb.Error = "out of memory"
		}
		if sb.Error == "" {
			sb.Error = "container is dead"
		}
	case st.ExitCode != 0 && !isStopExitCode(st.ExitCode):
		sb.Status = sandbox.StatusFailed
		sb.StartedAt = started
		sb.StoppedAt = finished
		sb.Error = fmt.Sprintf("exited with code %d", st.ExitCode)
		if st.Error != "" {
			sb.Error += ": " + st.Error
		}
	case finished != nil:
		sb.Status = sandbox.StatusStopped
		sb.StartedAt = started
		sb.StoppedAt = finished
	default:
		sb.Status = sandbox.StatusCreated
	}
}

func parseEnv(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

// translateEvent maps an engine event onto a StateEvent. ok is false for
// events that do not change lifecycle state.
func translateEvent(msg events.Message) (ev sandbox.StateEvent, ok bool) {
	sessionID := msg.Actor.Attributes[labelSessionID]
	if sessionID == "" {
		return ev, false
	}
	ev.SessionID = sessionID
	ev.Timestamp = time.Unix(0, msg.TimeNano).UTC()
	if msg.TimeNano == 0 {
		ev.Timestamp = time.Unix(msg.Time, 0).UTC()
	}

	switch msg.Action {
	case events.ActionCreate:
		ev.Status = sandbox.StatusCreated
	case events.ActionStart:
		ev.Status = sandbox.StatusRunning
	case events.ActionStop, events.ActionKill:
		ev.Status = sandbox.StatusStopped
	case events.ActionDie:
		code, _ := strconv.Atoi(msg.Actor.Attributes["exitCode"])
		if isStopExitCode(code) {
			ev.Status = sandbox.StatusStopped
		} else {
			ev.Status = sandbox.StatusFailed
			ev.Error = fmt.Sprintf("exited with code %d", code)
		}
	case events.ActionDestroy:
		ev.Status = sandbox.StatusRemoved
	case events.ActionOOM:
		ev.Status = sandbox.StatusFailed
		ev.Error = "out of memory"
	default:
		return ev, false
	}
	return ev, true
}
