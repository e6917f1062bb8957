// Package scan runs the block pipeline: read, classify, aggregate, score.
//
// Reading is strictly sequential. Classification may fan out to a worker
// pool; verdicts are put back into block order by a reorder buffer before
// they reach the aggregator. At most Window blocks are held at any time.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"

	"wipetrace/internal/aggregate"
	"wipetrace/internal/blockio"
	"wipetrace/internal/classify"
	"wipetrace/internal/logging"
	"wipetrace/internal/score"
)

// minRandomBlock is the block size below which uniform random data cannot
// reach the default flatness threshold.
const minRandomBlock = 2300

// Pipeline is a configured, reusable scanner. Each Run owns its own state.
type Pipeline struct {
	opts       Options
	window     int
	classifier *classify.Classifier
	scorer     *score.Scorer
	log        *logging.Logger
}

// NewPipeline validates opts and builds a Pipeline.
func NewPipeline(opts Options) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c, err := classify.New(opts.Classifier)
	if err != nil {
		return nil, &ConfigError{Field: "classifier", Err: err}
	}
	s, err := score.New(opts.scorerParams())
	if err != nil {
		return nil, &ConfigError{Field: "scorer", Err: err}
	}

	log := opts.Logger
	if log == nil {
		log = logging.Default().WithComponent("scan")
	}

	p := &Pipeline{
		opts:       opts,
		window:     clampWindow(opts.Window, opts.BlockSize),
		classifier: c,
		scorer:     s,
		log:        log,
	}
	if p.window < opts.Window {
		log.Warn("scan window reduced to fit available memory",
			"requested", opts.Window, "window", p.window)
	}
	if opts.BlockSize < minRandomBlock && opts.Classifier.Flatness >= 0.9 {
		log.Warn("block size too small for random-overwrite detection at this flatness threshold",
			"block_size", opts.BlockSize, "flatness_threshold", opts.Classifier.Flatness)
	}
	return p, nil
}

// clampWindow keeps window*blockSize within an eighth of available memory.
func clampWindow(window, blockSize int) int {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Available == 0 {
		return window
	}
	limit := vm.Available / 8 / uint64(blockSize)
	if limit < 1 {
		limit = 1
	}
	if uint64(window) > limit {
		return int(limit)
	}
	return window
}

// Window returns the effective number of in-flight blocks.
func (p *Pipeline) Window() int {
	return p.window
}

// state is the per-run accumulator. Only the ordered consumer touches it.
type state struct {
	agg         *aggregate.Aggregator
	blocks      uint64
	bytes       uint64
	suspicious  uint64
	entropySum  float64
	classCounts map[classify.Class]uint64

	progressEvery uint64
	progress      func(Progress)
	onVerdict     func(classify.Verdict)
}

func (st *state) consume(v classify.Verdict) {
	st.agg.Add(v)
	st.blocks++
	st.bytes += uint64(v.Length)
	st.entropySum += v.Entropy
	st.classCounts[v.Class]++
	if v.Class.Suspicious() {
		st.suspicious++
	}
	if st.onVerdict != nil {
		st.onVerdict(v)
	}
	if st.progress != nil && st.progressEvery > 0 && st.blocks%st.progressEvery == 0 {
		st.progress(Progress{Blocks: st.blocks, Bytes: st.bytes})
	}
}

// Run scans src to the end. On a read failure or cancellation the returned
// Result is still complete for the data seen so far, has Partial set, and is
// returned together with the error.
func (p *Pipeline) Run(ctx context.Context, src io.Reader) (*Result, error) {
	start := time.Now()

	r, err := blockio.NewReader(src, p.opts.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	agg, err := aggregate.New(p.opts.Aggregator)
	if err != nil {
		return nil, &ConfigError{Field: "aggregator", Err: err}
	}

	st := &state{
		agg:           agg,
		classCounts:   make(map[classify.Class]uint64),
		progressEvery: uint64(p.opts.ProgressEvery),
		progress:      p.opts.Progress,
		onVerdict:     p.opts.OnVerdict,
	}

	var stopErr error
	if p.opts.Workers <= 1 {
		stopErr = p.runInline(ctx, r, st)
	} else {
		stopErr = p.runParallel(ctx, r, st)
	}

	regions := agg.Flush()
	summary := p.scorer.Score(regions, st.bytes)

	res := &Result{
		ImageSize:        st.bytes,
		BlockSize:        uint32(p.opts.BlockSize),
		TotalBlocks:      st.blocks,
		SuspiciousBlocks: st.suspicious,
		ClassCounts:      st.classCounts,
		Regions:          summary.Regions,
		DiscardedRegions: agg.Discarded(),
		IntentScore:      summary.IntentScore,
		BaseScore:        summary.BaseScore,
		CoherenceBonus:   summary.CoherenceBonus,
		Coverage:         summary.Coverage,
		PassGroups:       summary.PassGroups,
		Assessment:       summary.Assessment,
		Elapsed:          time.Since(start),
	}
	if st.blocks > 0 {
		res.AverageEntropy = st.entropySum / float64(st.blocks)
	}

	if stopErr != nil {
		if errors.Is(stopErr, context.Canceled) || errors.Is(stopErr, context.DeadlineExceeded) {
			stopErr = fmt.Errorf("scan interrupted at offset %d: %w", st.bytes, stopErr)
		}
		res.Partial = true
		res.PartialError = stopErr.Error()
		p.log.Warn("scan stopped early",
			"blocks", res.TotalBlocks, "regions", len(res.Regions), "error", stopErr)
		return res, stopErr
	}

	p.log.Debug("scan finished",
		"blocks", res.TotalBlocks,
		"suspicious", res.SuspiciousBlocks,
		"regions", len(res.Regions),
		"intent", res.IntentScore,
		"elapsed", res.Elapsed)
	return res, nil
}

func (p *Pipeline) runInline(ctx context.Context, r *blockio.Reader, st *state) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		v := p.classifier.Classify(b)
		b.Release()
		st.consume(v)
	}
}

func (p *Pipeline) runParallel(ctx context.Context, r *blockio.Reader, st *state) error {
	window := p.window
	sem := make(chan struct{}, window)
	jobs := make(chan *blockio.Block, p.opts.Workers)
	results := make(chan classify.Verdict, window)

	var g errgroup.Group

	// Producer: one block per acquired window slot.
	g.Go(func() error {
		defer close(jobs)
		for {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := r.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			jobs <- b
		}
	})

	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			for b := range jobs {
				v := p.classifier.Classify(b)
				b.Release()
				results <- v
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(results)
	}()

	// Reorder buffer: hold early verdicts until the next expected index arrives.
	pending := make(map[uint64]classify.Verdict, window)
	var next uint64
	for v := range results {
		pending[v.Index] = v
		for {
			pv, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			st.consume(pv)
			next++
			<-sem
		}
	}
	return <-done
}
