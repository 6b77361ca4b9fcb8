package dataset

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/example/go-s2a/internal/s2a"
)

// Options are the per-dataset knobs.
type Options struct {
	// Samples is the sample budget of one pass. Validation stops after
	// Samples/BatchSize batches.
	Samples int
	// RandomTruncP is the probability of cutting a sample short.
	RandomTruncP float64
	// VQCodes is the semantic vocabulary; VQCodes-1 pads semantic streams.
	VQCodes  int
	Language string
	// Weight is the relative sampling weight when datasets are mixed.
	Weight            float64
	Validation        bool
	ExcludeFiles      []string
	RandomizeSpeakers bool
	// Speakers, when set, fills Sample.SpeakerIndex.
	Speakers s2a.SpeakerMap

	AtoksLen      int
	StoksLen      int
	ShuffleWindow int
	BatchSize     int
	Workers       int
	Seed          uint64

	Logger *slog.Logger
	// OnNaN is called with the key of every sample whose speaker embedding
	// contained NaN.
	OnNaN func(key string)
}

// DefaultOptions returns the 30 s / 25 Hz training defaults.
func DefaultOptions() Options {
	return Options{
		VQCodes:       4096,
		Language:      "en",
		Weight:        1,
		AtoksLen:      s2a.AtoksPerSecond * s2a.WindowSeconds,
		StoksLen:      s2a.StoksPerSecond * s2a.WindowSeconds,
		ShuffleWindow: 20000,
		BatchSize:     64,
		Workers:       4,
	}
}

// Dataset is a restartable source of batches over acoustic shards merged
// with their semantic shards.
type Dataset struct {
	shards   []string
	stoksDir string
	opts     Options
	language int
	excludes map[string]struct{}
	log      *slog.Logger
}

// Open resolves the shards of spec and checks every semantic counterpart
// exists in stoksDir.
func Open(spec, stoksDir string, opts Options) (*Dataset, error) {
	shards, err := ShardGlob(spec)
	if err != nil {
		return nil, err
	}

	for _, s := range shards {
		sem := SemanticShard(s, stoksDir)
		if _, err := os.Stat(sem); err != nil {
			return nil, fmt.Errorf("%w: %s (for %s)", ErrMissingShard, sem, s)
		}
	}

	lang, err := s2a.LanguageID(opts.Language)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}

	excludes, err := ReadExcludes(opts.ExcludeFiles...)
	if err != nil {
		return nil, fmt.Errorf("dataset: exclude files: %w", err)
	}

	if opts.BatchSize <= 0 {
		return nil, errors.New("dataset: batch size must be positive")
	}

	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	if opts.Weight <= 0 {
		opts.Weight = 1
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Dataset{
		shards:   shards,
		stoksDir: stoksDir,
		opts:     opts,
		language: lang,
		excludes: excludes,
		log:      log,
	}, nil
}

// Shards lists the acoustic shards.
func (d *Dataset) Shards() []string {
	return d.shards
}

// Weight is the mixing weight.
func (d *Dataset) Weight() float64 {
	return d.opts.Weight
}

// TotalSamples is the per-pass sample budget.
func (d *Dataset) TotalSamples() int {
	return d.opts.Samples
}

func (d *Dataset) rng(salt string) *rand.Rand {
	h := xxhash.Sum64String(strconv.FormatUint(d.opts.Seed, 10) + "/" + salt)
	return rand.New(rand.NewPCG(h, d.opts.Seed))
}

// Batches runs the full pipeline. Training resamples shards with
// replacement until the sample budget is spent (forever when it is 0);
// validation reads every shard once, in order, and stops after
// Samples/BatchSize batches. Breaking out of the loop stops the shard
// workers.
func (d *Dataset) Batches(ctx context.Context) iter.Seq2[[]Sample, error] {
	stages := []Stage{
		CheckNaN(d.log, d.opts.OnNaN),
		Exclude(d.excludes),
		SanitizeSpeaker(),
	}

	if d.opts.RandomTruncP > 0 {
		stages = append(stages, RandomTrunc(d.opts.RandomTruncP, d.opts.AtoksLen, d.opts.StoksLen, d.rng("trunc")))
	}

	stages = append(stages,
		Pad(d.opts.AtoksLen, d.opts.StoksLen, int32(d.opts.VQCodes-1)),
		SetLanguage(d.language),
	)

	if d.opts.Speakers != nil {
		stages = append(stages, SpeakerIndex(d.opts.Speakers))
	}

	if !d.opts.Validation {
		stages = append(stages, Shuffle(d.opts.ShuffleWindow, d.rng("shuffle")))
	}

	batches := Batched(Chain(d.samples(ctx), stages...), d.opts.BatchSize)

	if d.opts.RandomizeSpeakers {
		batches = RandomizeSpeakers(batches, d.rng("speakers"))
	}

	return d.limit(batches)
}

func (d *Dataset) limit(src iter.Seq2[[]Sample, error]) iter.Seq2[[]Sample, error] {
	return func(yield func([]Sample, error) bool) {
		if d.opts.Validation && d.opts.Samples > 0 && d.opts.Samples/d.opts.BatchSize == 0 {
			return
		}

		batches, samples := 0, 0

		for b, err := range src {
			if !yield(b, err) || err != nil {
				return
			}

			batches++
			samples += len(b)

			switch {
			case d.opts.Samples <= 0:
			case d.opts.Validation && batches >= d.opts.Samples/d.opts.BatchSize:
				return
			case !d.opts.Validation && samples >= d.opts.Samples:
				return
			}
		}
	}
}

// samples decodes shards on a pool of workers.
func (d *Dataset) samples(parent context.Context) Stream {
	return func(yield func(Sample, error) bool) {
		if err := parent.Err(); err != nil {
			yield(Sample{}, err)
			return
		}

		ctx, cancel := context.WithCancel(parent)
		defer cancel()

		paths := make(chan string)
		out := make(chan Sample, 64*d.opts.Workers)
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			defer close(paths)

			if d.opts.Validation {
				for _, s := range d.shards {
					select {
					case paths <- s:
					case <-gctx.Done():
						return nil
					}
				}

				return nil
			}

			rng := d.rng("shards")
			for {
				select {
				case paths <- d.shards[rng.IntN(len(d.shards))]:
				case <-gctx.Done():
					return nil
				}
			}
		})

		workers := d.opts.Workers
		if d.opts.Validation {
			// One worker keeps the one-pass order deterministic.
			workers = 1
		}

		for range workers {
			g.Go(func() error {
				for p := range paths {
					if err := d.readShard(gctx, p, out); err != nil {
						return err
					}
				}

				return nil
			})
		}

		done := make(chan error, 1)
		go func() {
			done <- g.Wait()
			close(out)
		}()

		stopped := false
		for s := range out {
			if !yield(s, nil) {
				stopped = true
				cancel()

				break
			}
		}

		for range out {
		}

		err := <-done
		if stopped {
			return
		}

		if err == nil {
			err = parent.Err()
		}

		if err != nil {
			yield(Sample{}, err)
		}
	}
}

// readShard merges an acoustic shard with its semantic shard by key and
// sends the decoded samples to out.
func (d *Dataset) readShard(ctx context.Context, acoustic string, out chan<- Sample) error {
	stoks := map[string][]byte{}

	err := ReadShard(SemanticShard(acoustic, d.stoksDir), func(rec Record) error {
		if raw, ok := rec.Files[ExtStoks]; ok {
			stoks[rec.Key] = raw
		}

		return nil
	})
	if err != nil {
		return err
	}

	return ReadShard(acoustic, func(rec Record) error {
		raw, ok := stoks[rec.Key]
		if !ok {
			return fmt.Errorf("dataset: %s: no semantic tokens for %s", acoustic, rec.Key)
		}

		s, err := decodeSample(rec, raw)
		if err != nil {
			return fmt.Errorf("dataset: %s: %w", acoustic, err)
		}

		select {
		case out <- s:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
