// Package marketplace collects provider offers per task. It is a plain
// pooling strategy: offers are accumulated and handed back in arrival order,
// with no pricing or ranking.
package marketplace

import (
	"log/slog"
	"sync"
	"time"

	"github.com/opengrid/requestor/internal/task/model"
)

// Offer is one provider's bid to compute subtasks of a task.
type Offer struct {
	TaskID       model.TaskID `json:"taskId"`
	NodeID       string       `json:"nodeId"`
	NodeName     string       `json:"nodeName"`
	PricePerHour int64        `json:"pricePerHour"`
	ReceivedAt   time.Time    `json:"receivedAt"`
}

// Pool accumulates offers per task. Safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	pools map[model.TaskID][]Offer
}

// NewPool creates an empty offer pool.
func NewPool() *Pool {
	return &Pool{pools: make(map[model.TaskID][]Offer)}
}

// Add accepts an offer into its task's pool.
func (p *Pool) Add(offer Offer) {
	if offer.ReceivedAt.IsZero() {
		offer.ReceivedAt = time.Now().UTC()
	}

	p.mu.Lock()
	p.pools[offer.TaskID] = append(p.pools[offer.TaskID], offer)
	p.mu.Unlock()

	slog.Debug("offer accepted and added to pool",
		"taskID", offer.TaskID,
		"nodeID", offer.NodeID,
	)
}

// TaskOfferCount returns the number of offers pooled for a task.
func (p *Pool) TaskOfferCount(taskID model.TaskID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pools[taskID])
}

// Drain removes and returns all offers pooled for a task, in arrival order.
func (p *Pool) Drain(taskID model.TaskID) []Offer {
	p.mu.Lock()
	defer p.mu.Unlock()
	offers := p.pools[taskID]
	delete(p.pools, taskID)
	return offers
}

// Clear discards all offers pooled for a task.
func (p *Pool) Clear(taskID model.TaskID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pools, taskID)
}

// Reset discards every pool.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools = make(map[model.TaskID][]Offer)
}
