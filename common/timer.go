package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
)

// ReportFunc produce one periodic report, e.g. the tracker status line
type ReportFunc func(ctxt context.Context) error

// PeriodicReporter calls a ReportFunc at a fixed interval until stopped
//
// The tracker uses it to log transport state and subscription counts.
type PeriodicReporter interface {
	// Start begin reporting. The first report runs one interval after Start.
	Start(interval time.Duration, report ReportFunc) error
	// Stop end reporting. Safe before Start and when called repeatedly.
	Stop() error
}

// periodicReporterImpl implements PeriodicReporter
type periodicReporterImpl struct {
	Component
	parent  context.Context
	wg      *sync.WaitGroup
	lock    sync.Mutex
	stopper context.CancelFunc
}

// GetPeriodicReporter define a new periodic reporter bound to parent context
func GetPeriodicReporter(
	parent context.Context, name string, wg *sync.WaitGroup,
) (PeriodicReporter, error) {
	if wg == nil {
		return nil, fmt.Errorf("reporter %s needs a wait group", name)
	}
	return &periodicReporterImpl{
		Component: Component{LogTags: log.Fields{
			"module": "common", "component": "periodic-reporter", "instance": name,
		}},
		parent: parent,
		wg:     wg,
	}, nil
}

// Start begin reporting every interval
func (r *periodicReporterImpl) Start(interval time.Duration, report ReportFunc) error {
	if interval <= 0 {
		return fmt.Errorf("report interval must be positive: %s", interval)
	}
	if report == nil {
		return fmt.Errorf("no report function provided")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stopper != nil {
		return fmt.Errorf("reporter already running")
	}
	ctxt, cancel := context.WithCancel(r.parent)
	r.stopper = cancel

	log.WithFields(r.LogTags).Infof("Reporting every %s", interval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctxt.Done():
				log.WithFields(r.LogTags).Debug("Report loop exiting")
				return
			case <-ticker.C:
				if err := report(ctxt); err != nil {
					log.WithError(err).WithFields(r.LogTags).Error("Report failed")
				}
			}
		}
	}()
	return nil
}

// Stop end reporting
func (r *periodicReporterImpl) Stop() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stopper != nil {
		r.stopper()
		r.stopper = nil
	}
	return nil
}
