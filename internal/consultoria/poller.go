package consultoria

import (
	"context"
	"sync"
	"time"

	"github.com/damaface/consultoria/internal/queue"
)

const DefaultPollInterval = 3 * time.Second

// QueuePoller joins the queue and polls status on a fixed interval until the
// entry is reserved or Leave is called. No request is started after either.
// Callbacks run on the polling goroutine and may call Leave or Join.
type QueuePoller struct {
	client   *Client
	interval time.Duration

	OnUpdate   func(queue.Entry)
	OnReserved func(queue.Entry)
	OnError    func(error)

	mu     sync.Mutex
	entry  queue.Entry
	cancel context.CancelFunc
	// gen identifies the loop that owns cancel.
	gen uint64

	// held for the duration of each status request
	pollMu sync.Mutex
}

func NewQueuePoller(client *Client, interval time.Duration) *QueuePoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &QueuePoller{
		client:   client,
		interval: interval,
		entry:    queue.NotQueued(""),
	}
}

// Entry returns the last known queue entry.
func (p *QueuePoller) Entry() queue.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entry
}

// Polling reports whether a polling loop is active.
func (p *QueuePoller) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Join enqueues the caller and starts polling unless already reserved.
func (p *QueuePoller) Join(ctx context.Context, agentType string) (queue.Entry, error) {
	p.stop()

	entry, err := p.client.JoinQueue(ctx, agentType)
	if err != nil {
		return queue.Entry{}, err
	}
	p.setEntry(entry)
	p.emitUpdate(entry)
	if entry.Status == queue.StatusReserved {
		p.emitReserved(entry)
		return entry, nil
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.cancel = cancel
	p.mu.Unlock()
	go p.loop(pollCtx, cancel, gen)
	return entry, nil
}

// Leave stops polling, then tells the backend. Local state is reset even when
// the request fails.
func (p *QueuePoller) Leave(ctx context.Context) error {
	p.stop()
	_, err := p.client.LeaveQueue(ctx)
	p.setEntry(queue.NotQueued(p.Entry().AgentType))
	return err
}

// stop cancels the loop and waits for an in-flight status request to finish.
func (p *QueuePoller) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.pollMu.Lock()
	defer p.pollMu.Unlock()
}

func (p *QueuePoller) loop(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		entry, ok, err := p.pollOnce(ctx)
		if !ok {
			return
		}
		if err != nil {
			p.emitError(err)
			continue
		}
		if entry.Status == queue.StatusReserved {
			owned := p.release(gen)
			cancel()
			if owned {
				p.emitUpdate(entry)
				p.emitReserved(entry)
			}
			return
		}
		p.emitUpdate(entry)
	}
}

// release clears the loop's ownership. It reports false when the loop was
// already stopped or replaced by a later Join.
func (p *QueuePoller) release(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil || p.gen != gen {
		return false
	}
	p.cancel = nil
	return true
}

// pollOnce returns ok=false once the loop has been stopped.
func (p *QueuePoller) pollOnce(ctx context.Context) (queue.Entry, bool, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()
	if ctx.Err() != nil {
		return queue.Entry{}, false, nil
	}
	entry, err := p.client.QueueStatus(ctx)
	if ctx.Err() != nil {
		return queue.Entry{}, false, nil
	}
	if err != nil {
		return queue.Entry{}, true, err
	}
	if entry.AgentType == "" {
		entry.AgentType = p.Entry().AgentType
	}
	p.setEntry(entry)
	return entry, true, nil
}

func (p *QueuePoller) setEntry(e queue.Entry) {
	p.mu.Lock()
	p.entry = e
	p.mu.Unlock()
}

func (p *QueuePoller) emitUpdate(e queue.Entry) {
	if p.OnUpdate != nil {
		p.OnUpdate(e)
	}
}

func (p *QueuePoller) emitReserved(e queue.Entry) {
	if p.OnReserved != nil {
		p.OnReserved(e)
	}
}

func (p *QueuePoller) emitError(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
}
