package docker

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"

	"github.com/wskish/discobot-sub010/internal/sandbox"
)

// Watch replays the current containers, then follows engine events,
// reconnecting after a delay when the event stream breaks.
func (p *Provider) Watch(ctx context.Context) (<-chan sandbox.StateEvent, error) {
	current, err := p.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan sandbox.StateEvent, len(current)+16)
	for _, ev := range sandbox.EventsFor(current) {
		out <- ev
	}

	go func() {
		defer close(out)
		for {
			p.followEvents(ctx, out)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retryDelay):
				p.logger.Info("docker: reconnecting to engine events")
			}
		}
	}()
	return out, nil
}

func (p *Provider) followEvents(ctx context.Context, out chan<- sandbox.StateEvent) {
	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))
	f.Add("label", labelManaged+"=true")

	msgs, errs := p.engine.Events(ctx, events.ListOptions{Filters: f})
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if ctx.Err() == nil {
				p.logger.Warn("docker: event stream error", "error", err)
			}
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ev, ok := translateEvent(msg)
			if !ok {
				continue
			}
			if ev.Status == sandbox.StatusRemoved {
				p.forget(ev.SessionID)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
