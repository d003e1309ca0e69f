package machine

import (
	"context"
	"sync"
	"time"
)

// JobState is the streaming state of a job.
type JobState int

const (
	JobIdle JobState = iota
	JobStreaming
	JobHeld
	JobDone
)

func (s JobState) String() string {
	switch s {
	case JobStreaming:
		return "Streaming"
	case JobHeld:
		return "Held"
	case JobDone:
		return "Done"
	}
	return "Idle"
}

func (s JobState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Outcome is the terminal result of a job.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCompleted
	OutcomeAborted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "Completed"
	case OutcomeAborted:
		return "Aborted"
	case OutcomeFailed:
		return "Failed"
	}
	return ""
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// JobStatus is a point-in-time copy of a job's progress.
type JobStatus struct {
	Name    string
	Total   int
	Sent    int
	Acked   int
	Errors  int
	State   JobState
	Outcome Outcome

	// LastError is the most recent per-command firmware error.
	LastError string `json:",omitempty"`
	Error     string `json:",omitempty"`
	Err       error  `json:"-"`

	Started  time.Time
	Finished time.Time
}

// Progress returns the acknowledged fraction in the range [0,1].
func (s JobStatus) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Acked) / float64(s.Total)
}

// Job tracks a single stream of commands to the controller.
//
// It is safe for concurrent use; the streamer updates it from both
// the sending and the reading side.
type Job struct {
	mx   sync.Mutex
	stat JobStatus
	done chan struct{}
}

func NewJob(name string, total int) *Job {
	return &Job{
		stat: JobStatus{Name: name, Total: total},
		done: make(chan struct{}),
	}
}

func (j *Job) Status() JobStatus {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.stat
}

// Done is closed once the job reaches a terminal outcome.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) (JobStatus, error) {
	select {
	case <-j.done:
		return j.Status(), nil
	case <-ctx.Done():
		return j.Status(), ctx.Err()
	}
}

func (j *Job) update(fn func(s *JobStatus)) {
	j.mx.Lock()
	if j.stat.State != JobDone {
		fn(&j.stat)
	}
	j.mx.Unlock()
}

// Start moves an idle job to streaming.
func (j *Job) Start() {
	j.update(func(s *JobStatus) {
		if s.State == JobIdle {
			s.State = JobStreaming
			s.Started = time.Now()
		}
	})
}

func (j *Job) MarkSent() { j.update(func(s *JobStatus) { s.Sent++ }) }

// MarkAcked records an acknowledgement; a non-nil err is a per-command
// firmware error and does not end the job.
func (j *Job) MarkAcked(err error) {
	j.update(func(s *JobStatus) {
		s.Acked++
		if err != nil {
			s.Errors++
			s.LastError = err.Error()
		}
	})
}

// SetHeld toggles between the Streaming and Held states.
func (j *Job) SetHeld(held bool) {
	j.update(func(s *JobStatus) {
		switch {
		case held && s.State == JobStreaming:
			s.State = JobHeld
		case !held && s.State == JobHeld:
			s.State = JobStreaming
		}
	})
}

// Finish sets the terminal outcome. Only the first call has an effect;
// it returns false if the job was already finished.
func (j *Job) Finish(o Outcome, err error) bool {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.stat.State == JobDone {
		return false
	}
	j.stat.State = JobDone
	j.stat.Outcome = o
	j.stat.Err = err
	if err != nil {
		j.stat.Error = err.Error()
	}
	j.stat.Finished = time.Now()
	close(j.done)
	return true
}

// Finished returns true if the job has reached a terminal outcome.
func (j *Job) Finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}
