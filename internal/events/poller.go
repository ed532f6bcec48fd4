package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type PollerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// Buffer is each subscriber's channel capacity.
	Buffer int
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 100 * time.Millisecond,
		BatchSize:    100,
		Buffer:       100,
	}
}

// Poller reads events by sequence number and hands them to the matching
// project's subscribers. Delivery never blocks: a full subscriber misses
// the event.
type Poller struct {
	store  EventStore
	cfg    PollerConfig
	logger *slog.Logger

	mu      sync.Mutex
	lastSeq int64
	primed  bool

	subsMu    sync.RWMutex
	subs      map[int]*Subscriber
	nextSubID int

	notifyCh chan struct{}
}

func NewPoller(st EventStore, cfg PollerConfig, logger *slog.Logger) *Poller {
	def := DefaultPollerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	return &Poller{
		store:    st,
		cfg:      cfg,
		logger:   logger,
		subs:     make(map[int]*Subscriber),
		notifyCh: make(chan struct{}, 100),
	}
}

// Prime positions the poller at the current end of the event log, so only
// events published from now on are delivered.
func (p *Poller) Prime(ctx context.Context) error {
	seq, err := p.store.GetMaxEventSeq(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.lastSeq = seq
	p.primed = true
	p.mu.Unlock()
	return nil
}

// Run polls until ctx ends, then closes every subscriber.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	primed := p.primed
	p.mu.Unlock()
	if !primed {
		if err := p.Prime(ctx); err != nil {
			return err
		}
	}
	p.logger.Info("event poller started", "last_seq", p.LastSeq())

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	defer p.closeAll()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("event poller stopped")
			return nil
		case <-ticker.C:
			p.poll(ctx)
		case <-p.notifyCh:
			p.poll(ctx)
		}
	}
}

func (p *Poller) NotifyNewEvent() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

func (p *Poller) Subscribe(projectID string) *Subscriber {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.nextSubID++
	sub := &Subscriber{
		ID:        p.nextSubID,
		ProjectID: projectID,
		Events:    make(chan *Event, p.cfg.Buffer),
		done:      make(chan struct{}),
	}
	p.subs[sub.ID] = sub
	return sub
}

func (p *Poller) Unsubscribe(sub *Subscriber) {
	p.subsMu.Lock()
	delete(p.subs, sub.ID)
	p.subsMu.Unlock()
	sub.Close()
}

func (p *Poller) Subscribers() int {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	return len(p.subs)
}

func (p *Poller) LastSeq() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeq
}

// poll drains every batch available now.
func (p *Poller) poll(ctx context.Context) {
	for {
		after := p.LastSeq()
		recs, err := p.store.ListEventsAfterSeq(ctx, after, p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("event poller: list events", "error", err)
			}
			return
		}
		if len(recs) == 0 {
			return
		}

		p.mu.Lock()
		p.lastSeq = recs[len(recs)-1].Seq
		p.mu.Unlock()

		p.subsMu.RLock()
		for _, rec := range recs {
			ev := fromStore(rec)
			for _, sub := range p.subs {
				if sub.ProjectID != rec.ProjectID {
					continue
				}
				if !sub.offer(ev) {
					p.logger.Warn("event poller: subscriber full, dropping event",
						"subscriber", sub.ID, "event_id", ev.ID, "seq", ev.Seq)
				}
			}
		}
		p.subsMu.RUnlock()

		if len(recs) < p.cfg.BatchSize {
			return
		}
	}
}

func (p *Poller) closeAll() {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for id, sub := range p.subs {
		sub.Close()
		delete(p.subs, id)
	}
}
