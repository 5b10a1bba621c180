// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/pkg/errors"
	"github.com/crucible-dev/crucible/pkg/execution"
)

// Handler runs one leased execution. The worker settles the queue item
// from the returned error: nil deletes it, non-nil routes through retry.
type Handler func(ctx context.Context, item *execution.QueueItem) error

// worker is the background processing loop: sweep expired leases, fill up
// to the concurrency bound, sleep until the poll interval elapses or an
// enqueue wakes it.
type worker struct {
	svc     *Service
	handler Handler

	cancel   context.CancelFunc
	done     chan struct{}
	wakeCh   chan struct{}
	inFlight atomic.Int64
	execWG   sync.WaitGroup
}

// StartBackgroundProcessing launches the worker loop. It returns a
// ConflictError when the loop is already running.
func (s *Service) StartBackgroundProcessing(ctx context.Context, handler Handler) error {
	if s.worker != nil {
		return &errors.ConflictError{Resource: "queue worker", Reason: "already running"}
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{
		svc:     s,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
	}
	s.worker = w
	go w.run(wctx)
	s.logger.Info("queue worker started",
		log.Int("max_concurrent", s.cfg.MaxConcurrent),
		log.Int("batch_size", s.cfg.BatchSize))
	return nil
}

// StopBackgroundProcessing stops the loop and waits for in-flight
// executions to settle.
func (s *Service) StopBackgroundProcessing() {
	w := s.worker
	if w == nil {
		return
	}
	w.cancel()
	<-w.done
	w.execWG.Wait()
	s.worker = nil
	s.logger.Info("queue worker stopped")
}

// InFlight reports how many executions the worker currently runs.
func (s *Service) InFlight() int {
	if w := s.worker; w != nil {
		return int(w.inFlight.Load())
	}
	return 0
}

// WaitForDrain blocks until in-flight executions finish or the context
// expires. Used by graceful shutdown.
func (s *Service) WaitForDrain(ctx context.Context) error {
	w := s.worker
	if w == nil {
		return nil
	}
	drained := make(chan struct{})
	go func() {
		w.execWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		w.sweepExpiredLeases(ctx)
		w.fill(ctx)

		timer := time.NewTimer(w.svc.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wakeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// sweepExpiredLeases reclaims items whose worker never settled them.
func (w *worker) sweepExpiredLeases(ctx context.Context) {
	cutoff := w.svc.now().Add(-w.svc.cfg.ProcessingTimeout)
	expired, err := w.svc.store.ExpiredLeases(ctx, cutoff)
	if err != nil {
		w.svc.logger.Error("failed to sweep expired leases", log.Error(err))
		return
	}
	for _, item := range expired {
		w.svc.logger.Warn("reclaiming expired lease",
			log.String(log.ExecutionIDKey, item.ExecutionID),
			log.Int("retry_count", item.RetryCount))
		w.svc.Retry(ctx, item.ExecutionID, "Execution timed out")
	}
}

// fill dequeues up to batch-size items while capacity remains and spawns
// an execution task for each.
func (w *worker) fill(ctx context.Context) {
	for i := 0; i < w.svc.cfg.BatchSize; i++ {
		if int(w.inFlight.Load()) >= w.svc.cfg.MaxConcurrent {
			return
		}
		item, err := w.svc.Dequeue(ctx)
		if err != nil {
			w.svc.logger.Error("dequeue failed", log.Error(err))
			return
		}
		if item == nil {
			return
		}
		w.spawn(ctx, item)
	}
}

func (w *worker) spawn(ctx context.Context, item *execution.QueueItem) {
	w.inFlight.Add(1)
	w.execWG.Add(1)
	go func() {
		defer w.execWG.Done()
		defer w.inFlight.Add(-1)
		defer w.wake()

		err := w.handler(ctx, item)
		disposition := w.svc.Complete(ctx, item.ExecutionID, err == nil, err)
		w.svc.logger.Debug("execution settled",
			log.String(log.ExecutionIDKey, item.ExecutionID),
			log.String("disposition", disposition.String()))
	}()
}
