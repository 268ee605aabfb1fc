package train

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DataLoader yields the batches of one epoch in order. In distributed mode
// SetEpoch must reseed the underlying shard so every rank sees a distinct,
// reproducible slice of the dataset.
type DataLoader interface {
	// Len is the number of batches this worker processes per epoch.
	Len() int
	// BatchSize is the nominal number of samples per batch, used to
	// normalize the registration recall.
	BatchSize() int
	SetEpoch(epoch int)
	// Next returns the next batch, or ok=false at end of epoch.
	Next() (Batch, bool)
	// Reset rewinds to the start of the current epoch.
	Reset()
}

// SliceLoader serves an in-memory batch list, optionally sharded and
// shuffled by a ShardSampler.
type SliceLoader struct {
	batches   []Batch
	batchSize int
	sampler   *ShardSampler
	pos       int
}

// NewSliceLoader builds a loader over pre-assembled batches. sampler may be
// nil for sequential, unsharded iteration.
func NewSliceLoader(batches []Batch, batchSize int, sampler *ShardSampler) *SliceLoader {
	return &SliceLoader{batches: batches, batchSize: batchSize, sampler: sampler}
}

func (l *SliceLoader) Len() int {
	if l.sampler != nil {
		return l.sampler.Len()
	}
	return len(l.batches)
}

func (l *SliceLoader) BatchSize() int { return l.batchSize }

func (l *SliceLoader) SetEpoch(epoch int) {
	if l.sampler != nil {
		l.sampler.SetEpoch(epoch)
	}
	l.pos = 0
}

func (l *SliceLoader) Next() (Batch, bool) {
	if l.sampler != nil {
		order := l.sampler.Indices()
		if l.pos >= len(order) {
			return nil, false
		}
		b := l.batches[order[l.pos]]
		l.pos++
		return b, true
	}
	if l.pos >= len(l.batches) {
		return nil, false
	}
	b := l.batches[l.pos]
	l.pos++
	return b, true
}

func (l *SliceLoader) Reset() { l.pos = 0 }

// PrefetchLoader wraps any DataLoader with a background worker that stages
// upcoming batches into a bounded channel, overlapping data preparation
// with compute. Iteration order is unchanged.
type PrefetchLoader struct {
	inner  DataLoader
	depth  int
	ch     chan Batch
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewPrefetchLoader wraps inner with a prefetch depth (minimum 1). Reset
// must be called before the first Next.
func NewPrefetchLoader(inner DataLoader, depth int) *PrefetchLoader {
	if depth < 1 {
		depth = 1
	}
	return &PrefetchLoader{inner: inner, depth: depth}
}

func (p *PrefetchLoader) Len() int       { return p.inner.Len() }
func (p *PrefetchLoader) BatchSize() int { return p.inner.BatchSize() }

func (p *PrefetchLoader) SetEpoch(epoch int) {
	p.stop()
	p.inner.SetEpoch(epoch)
	p.start()
}

func (p *PrefetchLoader) Reset() {
	p.stop()
	p.inner.Reset()
	p.start()
}

func (p *PrefetchLoader) Next() (Batch, bool) {
	if p.ch == nil {
		p.start()
	}
	b, ok := <-p.ch
	return b, ok
}

// Close stops the prefetch worker. Safe to call multiple times.
func (p *PrefetchLoader) Close() {
	p.stop()
}

func (p *PrefetchLoader) start() {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	ch := make(chan Batch, p.depth)
	p.cancel = cancel
	p.group = group
	p.ch = ch

	group.Go(func() error {
		defer close(ch)
		for {
			b, ok := p.inner.Next()
			if !ok {
				return nil
			}
			select {
			case ch <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

func (p *PrefetchLoader) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	// Drain so the worker can exit if it is blocked on a full channel.
	for range p.ch {
	}
	_ = p.group.Wait()
	p.cancel = nil
	p.group = nil
	p.ch = nil
}
