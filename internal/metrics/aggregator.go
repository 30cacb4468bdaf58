package metrics

import (
	"sync"

	"github.com/copperlinehq/copperline/internal/syncengine"
)

// Aggregator keeps the latest dashboard snapshot current by recomputing it
// on every change notification from the lead, job and invoice caches.
type Aggregator struct {
	leads    *syncengine.Cache
	jobs     *syncengine.Cache
	invoices *syncengine.Cache

	mu           sync.RWMutex
	latest       Dashboard
	unsubscribes []func()
}

// NewAggregator wires the aggregator to the three caches it observes.
func NewAggregator(leads, jobs, invoices *syncengine.Cache) *Aggregator {
	return &Aggregator{
		leads:    leads,
		jobs:     jobs,
		invoices: invoices,
	}
}

// Start computes the initial snapshot and subscribes to cache changes.
func (a *Aggregator) Start() {
	a.recompute()
	for _, cache := range []*syncengine.Cache{a.leads, a.jobs, a.invoices} {
		if cache == nil {
			continue
		}
		a.unsubscribes = append(a.unsubscribes, cache.Subscribe(a.recompute))
	}
}

// Stop detaches from the caches.
func (a *Aggregator) Stop() {
	for _, unsubscribe := range a.unsubscribes {
		unsubscribe()
	}
	a.unsubscribes = nil
}

// Latest returns the most recently computed snapshot.
func (a *Aggregator) Latest() Dashboard {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

func (a *Aggregator) recompute() {
	input := DashboardInput{}
	if a.leads != nil {
		input.Leads = a.leads.All()
	}
	if a.jobs != nil {
		input.Jobs = a.jobs.All()
	}
	if a.invoices != nil {
		input.Invoices = a.invoices.All()
	}
	snapshot := ComputeDashboard(input)
	a.mu.Lock()
	a.latest = snapshot
	a.mu.Unlock()
}
