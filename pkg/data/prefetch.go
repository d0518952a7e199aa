// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type prefetched struct {
	sample Sample
	err    error
}

// Prefetcher reads samples from a Source in a background goroutine, keeping up to n of them
// ready. Samples and errors are delivered in the order the source produced them.
//
// It implements Source. Call Close to stop the goroutine.
type Prefetcher struct {
	src    Source
	ctx    context.Context
	buffer int

	mu      sync.Mutex
	results chan prefetched
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Source = (*Prefetcher)(nil)

// Prefetch starts reading src in the background. The goroutine stops when ctx is done, when
// Close is called, after the source is exhausted, or after a fatal error.
func Prefetch(ctx context.Context, src Source, n int) *Prefetcher {
	p := &Prefetcher{src: src, ctx: ctx, buffer: max(n, 0)}
	p.start()
	return p
}

func (p *Prefetcher) start() {
	ctx, cancel := context.WithCancel(p.ctx)
	results := make(chan prefetched, p.buffer)
	p.results, p.cancel = results, cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(results)
		for ctx.Err() == nil {
			sample, err := p.src.Next()
			select {
			case results <- prefetched{sample, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !IsTransient(err) {
				return
			}
		}
	}()
}

// Name implements Source.
func (p *Prefetcher) Name() string { return p.src.Name() }

// Next implements Source. It blocks until a sample is ready.
func (p *Prefetcher) Next() (Sample, error) {
	p.mu.Lock()
	results := p.results
	p.mu.Unlock()
	select {
	case r, ok := <-results:
		if !ok {
			if err := p.ctx.Err(); err != nil {
				return Sample{}, errors.Wrapf(err, "prefetching %q", p.src.Name())
			}
			return Sample{}, errors.Wrapf(ErrExhausted, "prefetching %q stopped", p.src.Name())
		}
		return r.sample, r.err
	case <-p.ctx.Done():
		return Sample{}, errors.Wrapf(p.ctx.Err(), "prefetching %q", p.src.Name())
	}
}

// Reset implements Source: it stops the goroutine, discards the prefetched samples, resets the
// source and starts prefetching again.
func (p *Prefetcher) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	if err := p.src.Reset(); err != nil {
		return err
	}
	p.start()
	return nil
}

// Close stops the background goroutine. Next shouldn't be called afterward.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
}

func (p *Prefetcher) stop() {
	p.cancel()
	// Drain, so a goroutine blocked in sending can see the cancellation.
	for range p.results {
	}
	p.wg.Wait()
}
