package server

import (
	"sync"
	"time"

	"github.com/animegasan/luci-app-droidnet/internal/action"
)

const maxRetainedJobs = 128

// Jobs keeps the latest state of recently started actions.
type Jobs struct {
	mu    sync.RWMutex
	items map[string]*action.Result
	order []string
}

// NewJobs creates an empty registry.
func NewJobs() *Jobs {
	return &Jobs{items: make(map[string]*action.Result)}
}

func (j *Jobs) start(id string, name action.Name, device, pkg string, at time.Time) action.Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	res := &action.Result{
		ID:        id,
		Action:    name,
		Device:    device,
		Package:   pkg,
		State:     action.StateIdle,
		Outcome:   action.InFlight,
		StartedAt: at,
	}
	j.items[id] = res
	j.order = append(j.order, id)
	for len(j.order) > maxRetainedJobs {
		oldest := j.order[0]
		if r, ok := j.items[oldest]; ok && !r.Settled() {
			break
		}
		delete(j.items, oldest)
		j.order = j.order[1:]
	}
	return *res
}

// Observe applies an orchestrator transition to the matching job.
func (j *Jobs) Observe(t action.Transition) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if res, ok := j.items[t.ID]; ok {
		res.State = t.To
		res.Outcome = t.Outcome
	}
}

func (j *Jobs) finish(res action.Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.items[res.ID]; ok {
		j.items[res.ID] = &res
	}
}

// fail settles a job whose request was refused before dispatch.
func (j *Jobs) fail(id string, err error, at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if res, ok := j.items[id]; ok {
		res.State = action.StateSettled
		res.Outcome = action.Failure
		res.Message = err.Error()
		res.SettledAt = at
	}
}

// Get returns a copy of the job state.
func (j *Jobs) Get(id string) (action.Result, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	res, ok := j.items[id]
	if !ok {
		return action.Result{}, false
	}
	return *res, true
}
