package bench

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/memtrack/internal/gpu"
	"github.com/tinyrange/memtrack/internal/memory"
	"github.com/tinyrange/memtrack/internal/tracking"
)

// Result summarizes a run.
type Result struct {
	Iterations   int
	Writes       uint64
	BytesWritten uint64

	// DirtyBytes is the total size of the ranges queries reported modified.
	DirtyBytes uint64

	Tracking tracking.Stats
	Buffers  gpu.BufferCacheStats
	Duration time.Duration
}

type query interface {
	QueryModified(modified func(address, size uint64))
	Release()
}

// Run executes w. progress, if set, is called after every iteration.
func Run(ctx context.Context, w Workload, progress func(iteration int)) (Result, error) {
	if err := w.Validate(); err != nil {
		return Result{}, err
	}

	mem, err := memory.NewManager(w.AddressSpaceSize, w.BackingSize, w.Tracking)
	if err != nil {
		return Result{}, err
	}
	defer mem.Close()

	for _, m := range w.Mappings {
		if err := mem.Map(m.VA, m.PA, m.Size); err != nil {
			return Result{}, err
		}
	}

	var handles []query
	defer func() {
		for _, h := range handles {
			h.Release()
		}
	}()
	for _, t := range w.Tracked {
		if t.Granularity == 0 {
			handles = append(handles, mem.BeginTracking(t.Address, t.Size))
			continue
		}
		h := mem.BeginGranularTracking(t.Address, t.Size, t.Granularity)
		if t.Eager {
			h.InitMinimumGranularity()
		}
		handles = append(handles, h)
	}

	cache, err := gpu.NewBufferCache(gpu.NewPhysicalMemory(mem), w.BufferCacheSize, 0)
	if err != nil {
		return Result{}, err
	}
	defer cache.Close()
	for _, b := range w.Buffers {
		if _, err := cache.Get(b.Address, b.Size); err != nil {
			return Result{}, err
		}
	}

	var res Result
	start := time.Now()
	for i := 0; i < w.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		g, gctx := errgroup.WithContext(ctx)
		written := make([]uint64, w.Writers)
		for writer := 0; writer < w.Writers; writer++ {
			writer := writer
			rng := rand.New(rand.NewSource(w.Seed + int64(i*w.Writers+writer)))
			g.Go(func() error {
				n, err := runWriter(gctx, mem, w, rng)
				written[writer] = n
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return res, fmt.Errorf("bench: iteration %d: %w", i, err)
		}
		for _, n := range written {
			res.Writes += uint64(w.WritesPerIteration)
			res.BytesWritten += n
		}

		for _, h := range handles {
			h.QueryModified(func(address, size uint64) {
				res.DirtyBytes += size
			})
		}
		if err := cache.SynchronizeAll(); err != nil {
			return res, fmt.Errorf("bench: iteration %d: %w", i, err)
		}

		res.Iterations++
		if progress != nil {
			progress(i)
		}
	}

	res.Duration = time.Since(start)
	res.Tracking = mem.Tracking().Stats()
	res.Buffers = cache.Stats()
	slog.Debug("bench: run complete", "iterations", res.Iterations, "duration", res.Duration)
	return res, nil
}

// runWriter performs one writer's share of an iteration at random offsets of
// random mappings.
func runWriter(ctx context.Context, mem *memory.Manager, w Workload, rng *rand.Rand) (uint64, error) {
	buf := make([]byte, w.WriteSize)
	var written uint64
	for i := 0; i < w.WritesPerIteration; i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		m := w.Mappings[rng.Intn(len(w.Mappings))]
		size := min(w.WriteSize, m.Size)
		offset := uint64(rng.Int63n(int64(m.Size - size + 1)))
		for j := range buf[:size] {
			buf[j] = byte(rng.Intn(256))
		}

		if err := mem.Write(m.VA+offset, buf[:size]); err != nil {
			return written, err
		}
		written += size
	}
	return written, nil
}
