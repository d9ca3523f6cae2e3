package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "dexwatch/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ; empty means Local
}

// TaskOptions tune one registered job.
type TaskOptions struct {
	// Timeout bounds a single run. Zero means no timeout.
	Timeout time.Duration
	// RunOnStart runs the job once as soon as the scheduler starts.
	RunOnStart bool
	// Spread delays the first interval trigger by a random amount up to
	// min(interval, 30s).
	Spread bool
}

type Job func(ctx context.Context) error

type taskState struct {
	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64

	mu       sync.Mutex
	lastErr  string
	lastDur  time.Duration
	lastDone time.Time
}

type scheduleDef struct {
	name    string
	spec    string // cron expression or "@every <d>"
	every   time.Duration
	job     Job
	opt     TaskOptions
	entryID cron.EntryID
	state   *taskState
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	defs   []*scheduleDef
}

type ScheduleInfo struct {
	Name         string
	Spec         string
	Next         time.Time
	Prev         time.Time
	Running      bool
	Runs         uint64
	Skipped      uint64
	Failures     uint64
	LastError    string
	LastDuration time.Duration
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
