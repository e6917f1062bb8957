package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"wipetrace/internal/analysis"
	"wipetrace/internal/scan"
)

// JobState is the lifecycle of an API scan.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobPartial JobState = "partial"
	JobFailed  JobState = "failed"
)

// ErrJobActive is returned when a session already has a queued or running scan.
var ErrJobActive = errors.New("scan already in progress for session")

// JobStatus is the JSON view of a job.
type JobStatus struct {
	SessionID   string     `json:"session_id"`
	State       JobState   `json:"state"`
	Source      string     `json:"source"`
	Blocks      uint64     `json:"blocks"`
	Bytes       uint64     `json:"bytes"`
	TotalBytes  int64      `json:"total_bytes,omitempty"`
	IntentScore *float64   `json:"intent_score,omitempty"`
	Assessment  string     `json:"assessment,omitempty"`
	Error       string     `json:"error,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type job struct {
	mu     sync.Mutex
	status JobStatus

	blocks atomic.Uint64
	bytes  atomic.Uint64
}

func (j *job) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.status
	s.Blocks = j.blocks.Load()
	s.Bytes = j.bytes.Load()
	return s
}

func (j *job) active() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.State == JobQueued || j.status.State == JobRunning
}

func (j *job) finishedAt() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.FinishedAt == nil {
		return time.Time{}, false
	}
	return *j.status.FinishedAt, true
}

const (
	defaultJobRetention    = time.Hour
	defaultMaxFinishedJobs = 1000
)

// TrackerConfig bounds a Tracker.
type TrackerConfig struct {
	MaxConcurrent int

	// Finished jobs are dropped Retention after they end. When more than
	// MaxFinished remain, the oldest go first. Zero values pick the defaults.
	Retention   time.Duration
	MaxFinished int
}

// Tracker runs analysis jobs in the background with bounded concurrency.
type Tracker struct {
	svc *analysis.Service
	sem *semaphore.Weighted

	retention   time.Duration
	maxFinished int
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

// NewTracker returns a tracker for cfg.
func NewTracker(svc *analysis.Service, cfg TrackerConfig) *Tracker {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultJobRetention
	}
	if cfg.MaxFinished <= 0 {
		cfg.MaxFinished = defaultMaxFinishedJobs
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		svc:         svc,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		retention:   cfg.Retention,
		maxFinished: cfg.MaxFinished,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(map[string]*job),
	}
}

// pruneLocked drops finished jobs past retention, then the oldest finished
// jobs beyond maxFinished. t.mu must be held.
func (t *Tracker) pruneLocked() {
	cutoff := t.now().Add(-t.retention)

	type finished struct {
		sid string
		at  time.Time
	}
	var kept []finished
	for sid, j := range t.jobs {
		at, ok := j.finishedAt()
		if !ok {
			continue
		}
		if at.Before(cutoff) {
			delete(t.jobs, sid)
			continue
		}
		kept = append(kept, finished{sid, at})
	}

	if over := len(kept) - t.maxFinished; over > 0 {
		sort.Slice(kept, func(a, b int) bool { return kept[a].at.Before(kept[b].at) })
		for _, f := range kept[:over] {
			delete(t.jobs, f.sid)
		}
	}
}

// Submit queues a scan. req.SessionID must be set.
func (t *Tracker) Submit(req analysis.Request, totalBytes int64) (JobStatus, error) {
	t.mu.Lock()
	t.pruneLocked()
	if j, ok := t.jobs[req.SessionID]; ok && j.active() {
		t.mu.Unlock()
		return JobStatus{}, ErrJobActive
	}
	j := &job{status: JobStatus{
		SessionID:  req.SessionID,
		State:      JobQueued,
		Source:     req.Label,
		TotalBytes: totalBytes,
		QueuedAt:   t.now().UTC(),
	}}
	if j.status.Source == "" {
		j.status.Source = req.Source
	}
	t.jobs[req.SessionID] = j
	t.wg.Add(1)
	t.mu.Unlock()

	go t.run(j, req)
	return j.snapshot(), nil
}

func (t *Tracker) run(j *job, req analysis.Request) {
	defer t.wg.Done()

	if err := t.sem.Acquire(t.ctx, 1); err != nil {
		t.finish(j, nil, err)
		return
	}
	defer t.sem.Release(1)

	now := t.now().UTC()
	j.mu.Lock()
	j.status.State = JobRunning
	j.status.StartedAt = &now
	j.mu.Unlock()

	req.Progress = func(p scan.Progress) {
		j.blocks.Store(p.Blocks)
		j.bytes.Store(p.Bytes)
	}
	out, err := t.svc.Analyze(t.ctx, req)
	t.finish(j, out, err)
}

func (t *Tracker) finish(j *job, out *analysis.Outcome, err error) {
	now := t.now().UTC()
	j.mu.Lock()
	defer j.mu.Unlock()

	j.status.FinishedAt = &now
	if out != nil {
		doc := out.Document
		j.blocks.Store(doc.TotalBlocks)
		j.bytes.Store(doc.ImageSize)
		score := doc.IntentScore
		j.status.IntentScore = &score
		j.status.Assessment = doc.Assessment
	}
	switch {
	case err == nil:
		j.status.State = JobDone
	case out != nil:
		j.status.State = JobPartial
		j.status.Error = err.Error()
	default:
		j.status.State = JobFailed
		j.status.Error = err.Error()
	}
}

// Status returns the job for sid.
func (t *Tracker) Status(sid string) (JobStatus, bool) {
	t.mu.Lock()
	t.pruneLocked()
	j, ok := t.jobs[sid]
	t.mu.Unlock()
	if !ok {
		return JobStatus{}, false
	}
	return j.snapshot(), true
}

// Active reports whether sid has a queued or running scan.
func (t *Tracker) Active(sid string) bool {
	t.mu.Lock()
	j, ok := t.jobs[sid]
	t.mu.Unlock()
	return ok && j.active()
}

// Forget drops a finished job.
func (t *Tracker) Forget(sid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[sid]; ok && !j.active() {
		delete(t.jobs, sid)
	}
}

// Shutdown cancels running scans and waits for them to record their
// partial results, or for ctx to end.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.cancel()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
