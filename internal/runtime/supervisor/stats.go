package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counters are operational signals only, never a synchronization primitive.
type Counters struct {
	Active  int64
	Started uint64
}

// TaskStats aggregates every goroutine started under the same name.
type TaskStats struct {
	Name        string
	Active      int64
	Started     uint64
	Panics      uint64
	Restarts    uint64
	LastStartAt time.Time
	LastStopAt  time.Time
	LastErr     string
	LastRuntime time.Duration
}

type Snapshot struct {
	Counters   Counters
	FirstError string
	Tasks      []TaskStats
}

type statsTable struct {
	mu sync.Mutex
	m  map[string]*TaskStats
}

func (t *statsTable) get(name string) *TaskStats {
	if t.m == nil {
		t.m = map[string]*TaskStats{}
	}
	st := t.m[name]
	if st == nil {
		st = &TaskStats{Name: name}
		t.m[name] = st
	}
	return st
}

func (t *statsTable) start(name string, restart bool) time.Time {
	now := time.Now()
	t.mu.Lock()
	st := t.get(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	t.mu.Unlock()
	return now
}

func (t *statsTable) stop(name string, startedAt time.Time, err error) {
	now := time.Now()
	t.mu.Lock()
	st := t.get(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.LastRuntime = now.Sub(startedAt)
	if err != nil {
		st.LastErr = err.Error()
	}
	t.mu.Unlock()
}

func (t *statsTable) panicked(name string, p any) {
	t.mu.Lock()
	st := t.get(name)
	st.Panics++
	st.LastErr = fmt.Sprint(p)
	t.mu.Unlock()
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
	}
}

// Snapshot returns per-task stats, active tasks first.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.stats.mu.Lock()
	tasks := make([]TaskStats, 0, len(s.stats.m))
	for _, st := range s.stats.m {
		tasks = append(tasks, *st)
	}
	s.stats.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Active != tasks[j].Active {
			return tasks[i].Active > tasks[j].Active
		}
		return tasks[i].Name < tasks[j].Name
	})
	snap.Tasks = tasks
	return snap
}
