/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package poller drives the queue controller's crash-recovery scan on a
// fixed tick, the merge-queue-bot analogue of cmd/plank/main.go's
// time.Tick-driven Controller.Sync() loop.
package poller

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Controller is the slice of queuecontroller.Controller the poller drives.
type Controller interface {
	Poll(ctx context.Context) error
}

var pollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name: "mergequeue_poll_duration_seconds",
	Help: "Time taken by each poll tick.",
})

var pollErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "mergequeue_poll_errors_total",
	Help: "Count of poll ticks that returned an error.",
})

func init() {
	prometheus.MustRegister(pollDuration, pollErrors)
}

// Poller runs Controller.Poll every Period, logging and continuing on
// error: a single bad sync must never wedge recovery, the same "log and
// continue" idiom cmd/hook/main.go's and cmd/plank/main.go's own loops use.
type Poller struct {
	Controller Controller
	Period     time.Duration

	log  *logrus.Entry
	stop chan struct{}
}

// NewPoller builds a Poller. Period defaults to 10 minutes if zero.
func NewPoller(c Controller, period time.Duration) *Poller {
	if period <= 0 {
		period = 10 * time.Minute
	}
	return &Poller{
		Controller: c,
		Period:     period,
		log:        logrus.WithField("component", "poller"),
		stop:       make(chan struct{}),
	}
}

// Run blocks, ticking every p.Period until ctx is cancelled or Stop is
// called.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	start := time.Now()
	err := p.Controller.Poll(ctx)
	pollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		pollErrors.Inc()
		p.log.WithError(err).Error("Error polling.")
		return
	}
	p.log.WithField("duration", time.Since(start)).Debug("Poll complete.")
}

// Stop ends a running Run loop.
func (p *Poller) Stop() {
	close(p.stop)
}
