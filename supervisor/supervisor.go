// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package supervisor runs per-connection tasks under a restart policy and
// samples their health.
//
// There is no supervision hierarchy: a task is a function that is re-invoked
// after a panic until the failure budget is exhausted, and shared components
// escalate instead of restarting (the process keeps serving the connections
// that still work, which is all the recovery RFC 6120 asks of a single
// node).
package supervisor // import "mellium.im/xmppd/supervisor"

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Policy selects what happens when a task fails.
type Policy int

const (
	// Restart re-invokes the task until the failure budget is exhausted,
	// then stops it.
	Restart Policy = iota

	// Stop gives up on the task after the first failure.
	Stop

	// Escalate marks the failure as fatal for the component but not for
	// the process: it is logged at error level and the task is not
	// restarted.
	Escalate
)

// Config bounds restart behavior and health sampling.
type Config struct {
	// MaxFailures is the number of failures tolerated per task within
	// ResetInterval before a Restart policy degrades to Stop.
	MaxFailures int

	// ResetInterval is the sliding window after which a task's failure
	// count is forgotten.
	ResetInterval time.Duration

	// HealthInterval is how often task liveness is sampled. Zero disables
	// the sampler.
	HealthInterval time.Duration
}

// A Supervisor watches tasks.
type Supervisor struct {
	config Config
	logger logrus.FieldLogger

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type task struct {
	name   string
	policy Policy

	failures    int
	windowStart time.Time

	lastBeat int64
}

func (t *task) beat() {
	atomic.StoreInt64(&t.lastBeat, time.Now().UnixNano())
}

func (t *task) sinceBeat() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&t.lastBeat)))
}

// New returns a Supervisor with the given bounds.
func New(config Config, logger logrus.FieldLogger) *Supervisor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		config: config,
		logger: logger,
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
	if config.HealthInterval > 0 {
		s.wg.Add(1)
		go s.sampleHealth()
	}
	return s
}

// Watch runs fn in a new goroutine under the given policy. The beat
// function passed to fn must be called whenever the task makes progress; the
// health sampler reports tasks that stop beating.
//
// fn is considered failed when it panics; a normal return (with or without
// an error) completes the task.
func (s *Supervisor) Watch(name string, policy Policy, fn func(ctx context.Context, beat func()) error) {
	t := &task{name: name, policy: policy, windowStart: time.Now()}
	t.beat()

	s.mu.Lock()
	s.tasks[name] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.tasks, name)
			s.mu.Unlock()
		}()

		for {
			err := s.runOnce(t, fn)
			if err == nil {
				return
			}

			switch t.policy {
			case Escalate:
				s.logger.WithError(err).WithField("task", name).Error("component failed; continuing without restart")
				return
			case Stop:
				s.logger.WithError(err).WithField("task", name).Warn("task stopped")
				return
			}

			now := time.Now()
			if now.Sub(t.windowStart) > s.config.ResetInterval {
				t.failures = 0
				t.windowStart = now
			}
			t.failures++
			if t.failures > s.config.MaxFailures {
				s.logger.WithError(err).WithField("task", name).Warn("failure budget exhausted; stopping task")
				return
			}
			s.logger.WithError(err).WithFields(logrus.Fields{
				"task":    name,
				"failure": t.failures,
			}).Info("restarting task")
		}
	}()
}

// runOnce invokes fn, converting panics into errors.
func (s *Supervisor) runOnce(t *task, fn func(ctx context.Context, beat func()) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	runErr := fn(s.ctx, t.beat)
	if runErr != nil {
		// An error return is a completed task that failed for protocol
		// or I/O reasons; restarting it cannot help because the
		// underlying connection is gone.
		s.logger.WithError(runErr).WithField("task", t.name).Debug("task finished with error")
	}
	return nil
}

// sampleHealth periodically reports tasks that have not made progress for
// more than two sampling intervals.
func (s *Supervisor) sampleHealth() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			for _, t := range s.tasks {
				if stalled := t.sinceBeat(); stalled > 2*s.config.HealthInterval {
					s.logger.WithFields(logrus.Fields{
						"task":    t.name,
						"stalled": stalled.String(),
					}).Warn("task is not making progress")
				}
			}
			s.mu.Unlock()
		}
	}
}

// Len returns the number of live tasks.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels all task contexts and waits for tasks to finish.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}
