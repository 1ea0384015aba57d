package jobs

import (
	"context"
	"log"
	"sync"

	"github.com/nvclabs/optirecall/internal/agent"
)

// Dispatcher feeds detected issues to the orchestrator through a bounded
// queue, ensuring at most one pipeline run per issue at a time.
type Dispatcher struct {
	orchestrator *agent.Orchestrator

	queue chan string

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewDispatcher creates a dispatcher with the given queue capacity
func NewDispatcher(orchestrator *agent.Orchestrator, capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = 32
	}
	return &Dispatcher{
		orchestrator: orchestrator,
		queue:        make(chan string, capacity),
		inFlight:     make(map[string]bool),
	}
}

// Enqueue submits an issue for processing. It returns false when the issue
// is already queued or running, or when the queue is full.
func (d *Dispatcher) Enqueue(issueUUID string) bool {
	d.mu.Lock()
	if d.inFlight[issueUUID] {
		d.mu.Unlock()
		return false
	}
	d.inFlight[issueUUID] = true
	d.mu.Unlock()

	select {
	case d.queue <- issueUUID:
		return true
	default:
		d.mu.Lock()
		delete(d.inFlight, issueUUID)
		d.mu.Unlock()
		log.Printf("Dispatcher: queue full, dropping issue %s", issueUUID)
		return false
	}
}

// Run processes queued issues until the context is cancelled. Pipeline runs
// are sequential: fixes share a single working copy of the repository.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case issueUUID := <-d.queue:
			d.orchestrator.ProcessIssue(ctx, issueUUID)
			d.mu.Lock()
			delete(d.inFlight, issueUUID)
			d.mu.Unlock()
		case <-ctx.Done():
			log.Println("Dispatcher stopped")
			return
		}
	}
}
