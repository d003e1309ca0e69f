package grbl

import (
	"context"
	"sync"
	"time"
)

// staleQueries is the number of intervals after which an unanswered
// status query is considered lost.
const staleQueries = 4

// Poller periodically requests a status report, keeping at most one
// query outstanding.
type Poller struct {
	query    func() error
	interval time.Duration

	// done and err report connection loss.
	done <-chan struct{}
	err  func() error

	mx          sync.Mutex
	outstanding bool
	sentAt      time.Time
}

// NewPoller creates a Poller that calls query every interval until the
// connection described by done/err ends.
func NewPoller(query func() error, interval time.Duration, done <-chan struct{}, err func() error) *Poller {
	return &Poller{
		query:    query,
		interval: interval,
		done:     done,
		err:      err,
	}
}

// Received marks the outstanding query as answered.
func (p *Poller) Received() {
	p.mx.Lock()
	p.outstanding = false
	p.mx.Unlock()
}

// Outstanding returns true if a query is waiting for its report.
func (p *Poller) Outstanding() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.outstanding
}

func (p *Poller) poll() error {
	p.mx.Lock()
	if p.outstanding && time.Since(p.sentAt) < staleQueries*p.interval {
		p.mx.Unlock()
		return nil
	}
	p.outstanding = true
	p.sentAt = time.Now()
	p.mx.Unlock()

	err := p.query()
	if err != nil {
		p.mx.Lock()
		p.outstanding = false
		p.mx.Unlock()
	}
	return err
}

// Run polls until ctx is done or the connection is lost.
func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return p.err()
		default:
		}
		if err := p.poll(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return p.err()
		case <-t.C:
		}
	}
}
