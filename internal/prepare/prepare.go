// Package prepare turns shards of 16 kHz recordings into text/semantic
// token shards: each recording is cut into 30 second chunks, transcribed and
// encoded, and written next to a speakers sidecar.
package prepare

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/example/go-s2a/internal/audio"
	"github.com/example/go-s2a/internal/dataset"
	"github.com/example/go-s2a/internal/s2a"
)

// Transcriber turns audio chunks into text, one string per chunk.
type Transcriber interface {
	Transcribe(ctx context.Context, chunks [][]float32) ([]string, error)
}

// SemanticEncoder turns audio chunks into semantic token ids.
type SemanticEncoder interface {
	Encode(ctx context.Context, chunks [][]float32) ([][]int32, error)
}

// ExtAudio is the entry suffix read from input shards.
const ExtAudio = "wav"

var errLimit = errors.New("sample limit reached")

type Options struct {
	// Output is the shard to write. Empty derives it from a single input.
	Output    string
	BatchSize int
	// Samples stops after that many chunks and keeps the temporary file.
	Samples      int
	ChunkSamples int
	Logger       *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		BatchSize:    1,
		ChunkSamples: audio.ChunkSeconds * audio.SampleRate,
	}
}

// Result summarises a preparation run.
type Result struct {
	Path     string
	Samples  int
	Speakers []string
}

type chunkJob struct {
	key     string
	speaker string
	rpad    int
	samples []float32
}

// OutputName derives the output shard for an input shard:
// "audio-flac-000001.tar" becomes "audio-t2s-000001.tar.gz".
func OutputName(input string) string {
	base := filepath.Base(input)
	base = strings.ReplaceAll(base, "flac", "t2s")
	base = strings.ReplaceAll(base, "wav", "t2s")

	return base + ".gz"
}

// ReadInputs expands an input argument: "-" reads newline-separated shard
// names from r, anything else is a single shard.
func ReadInputs(input string, r io.Reader) ([]string, error) {
	if input != "-" {
		return []string{input}, nil
	}

	var out []string

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			out = append(out, l)
		}
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("prepare: read input list: %w", err)
	}

	return out, nil
}

// Run processes inputs into opts.Output.
func Run(ctx context.Context, inputs []string, tr Transcriber, enc SemanticEncoder, opts Options) (res Result, err error) {
	if len(inputs) == 0 {
		return Result{}, errors.New("prepare: no input shards")
	}

	if opts.Output == "" {
		if len(inputs) > 1 {
			return Result{}, errors.New("prepare: an output shard name is required for several inputs")
		}

		opts.Output = OutputName(inputs[0])
	}

	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}

	if opts.ChunkSamples <= 0 {
		opts.ChunkSamples = def.ChunkSamples
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	if opts.Samples > 0 {
		log.Info("benchmarking run", "samples", opts.Samples, "batches", (opts.Samples+opts.BatchSize-1)/opts.BatchSize)
	}

	tmp := opts.Output + ".tmp"

	w, err := dataset.CreateShard(tmp, dataset.Compressed(opts.Output))
	if err != nil {
		return Result{}, fmt.Errorf("prepare: %w", err)
	}

	defer func() {
		err = multierr.Append(err, w.Close())
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan chunkJob, 4*opts.BatchSize)

	g.Go(func() error {
		defer close(jobs)

		return produce(gctx, inputs, opts.ChunkSamples, jobs, log)
	})

	speakers := map[string]struct{}{}
	written := 0

	g.Go(func() error {
		batch := make([]chunkJob, 0, opts.BatchSize)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}

			n, err := processBatch(gctx, w, batch, tr, enc)
			written += n

			for _, j := range batch[:n] {
				speakers[j.speaker] = struct{}{}
			}

			batch = batch[:0]

			return err
		}

		for j := range jobs {
			if opts.Samples > 0 && written+len(batch) >= opts.Samples {
				break
			}

			batch = append(batch, j)
			if len(batch) == opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}

		if err := flush(); err != nil {
			return err
		}

		if opts.Samples > 0 && written >= opts.Samples {
			return errLimit
		}

		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errLimit) {
		return Result{}, err
	}

	ids := make([]string, 0, len(speakers))
	for id := range speakers {
		ids = append(ids, id)
	}

	if err := dataset.WriteSpeakers(opts.Output, ids); err != nil {
		return Result{}, fmt.Errorf("prepare: %w", err)
	}

	res = Result{Path: tmp, Samples: written, Speakers: ids}
	if opts.Samples > 0 {
		log.Info("benchmark finished, keeping temporary shard", "path", tmp, "samples", written)
		return res, nil
	}

	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("prepare: %w", err)
	}

	if err := os.Rename(tmp, opts.Output); err != nil {
		return Result{}, fmt.Errorf("prepare: %w", err)
	}

	res.Path = opts.Output
	log.Info("shard written", "path", opts.Output, "samples", written, "speakers", len(ids))

	return res, nil
}

// produce streams every chunk except the first and last of each recording.
func produce(ctx context.Context, inputs []string, chunkSamples int, jobs chan<- chunkJob, log *slog.Logger) error {
	for _, name := range inputs {
		err := dataset.ReadShard(name, func(rec dataset.Record) error {
			raw, ok := rec.Files[ExtAudio]
			if !ok {
				log.Debug("skipping record without audio", "key", rec.Key, "shard", name)
				return nil
			}

			samples, err := audio.DecodeWAV(raw)
			if err != nil {
				return fmt.Errorf("prepare: %s: %w", rec.Key, err)
			}

			chunks := audio.Split(samples, chunkSamples)
			speaker := s2a.SpeakerFromKey(rec.Key)

			for _, c := range chunks {
				if c.Index == 0 || c.Index == len(chunks)-1 {
					continue
				}

				job := chunkJob{
					key:     ChunkKey(rec.Key, c.Index),
					speaker: speaker,
					rpad:    c.RPad,
					samples: c.Samples,
				}

				select {
				case jobs <- job:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func processBatch(ctx context.Context, w *dataset.ShardWriter, batch []chunkJob, tr Transcriber, enc SemanticEncoder) (int, error) {
	chunks := make([][]float32, len(batch))
	for i, j := range batch {
		chunks[i] = j.samples
	}

	var (
		texts []string
		stoks [][]int32
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		texts, err = tr.Transcribe(gctx, chunks)
		return err
	})
	g.Go(func() (err error) {
		stoks, err = enc.Encode(gctx, chunks)
		return err
	})

	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}

	if len(texts) != len(batch) || len(stoks) != len(batch) {
		return 0, fmt.Errorf("prepare: %d chunks gave %d transcripts and %d token rows", len(batch), len(texts), len(stoks))
	}

	for i, j := range batch {
		ids, err := dataset.EncodeIDs(TrimPadding(stoks[i], j.rpad))
		if err != nil {
			return i, fmt.Errorf("prepare: %s: %w", j.key, err)
		}

		err = w.Write(j.key,
			dataset.File{Ext: dataset.ExtText, Data: []byte(texts[i])},
			dataset.File{Ext: dataset.ExtStoks, Data: ids},
		)
		if err != nil {
			return i, fmt.Errorf("prepare: %w", err)
		}
	}

	return len(batch), nil
}

// ChunkKey names chunk i of a recording.
func ChunkKey(key string, i int) string {
	return fmt.Sprintf("%s_%03d", key, i)
}

// TrimPadding drops the semantic tokens covering rpad padding samples.
func TrimPadding(stoks []int32, rpad int) []int32 {
	drop := rpad * s2a.StoksPerSecond / audio.SampleRate

	return stoks[:max(len(stoks)-drop, 0)]
}
