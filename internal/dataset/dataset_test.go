package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/sbinet/npyio"

	"github.com/example/go-s2a/internal/s2a"
)

func encodeAtoks(t *testing.T, rows [][]int32) []byte {
	t.Helper()

	raw, err := EncodeGrid(rows)
	if err != nil {
		t.Fatalf("write atoks: %v", err)
	}

	return raw
}

func encodeFloats(t *testing.T, v []float32) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := npyio.Write(&buf, v); err != nil {
		t.Fatalf("write floats: %v", err)
	}

	return buf.Bytes()
}

type corpus struct {
	atoksDir string
	stoksDir string
	keys     []string
}

// writeCorpus writes shards acoustic shards of perShard samples each with
// matching semantic shards. The first sample of shard 0 carries a NaN
// speaker value.
func writeCorpus(t *testing.T, shards, perShard, frames int) corpus {
	t.Helper()

	root := t.TempDir()
	c := corpus{atoksDir: filepath.Join(root, "atoks"), stoksDir: filepath.Join(root, "stoks")}

	for _, dir := range []string{c.atoksDir, c.stoksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	for s := range shards {
		name := fmt.Sprintf("librilight-atoks-3kbps-%06d.tar.gz", s)

		aw, err := CreateShard(filepath.Join(c.atoksDir, name), true)
		if err != nil {
			t.Fatal(err)
		}

		sw, err := CreateShard(SemanticShard(name, c.stoksDir), true)
		if err != nil {
			t.Fatal(err)
		}

		var speakers []string

		for i := range perShard {
			spk := fmt.Sprintf("spk%d", i%2)
			key := fmt.Sprintf("large/%s/utt_%d_%d", spk, s, i)
			c.keys = append(c.keys, key)
			speakers = append(speakers, spk)

			rows := make([][]int32, 2)
			for q := range rows {
				rows[q] = make([]int32, frames)
				for p := range rows[q] {
					rows[q][p] = int32((s*100 + i*10 + q + p) % 1024)
				}
			}

			emb := []float32{float32(s), float32(i), 1}
			if s == 0 && i == 0 {
				emb[1] = float32(math.NaN())
			}

			err := aw.Write(key,
				File{Ext: ExtAtoks, Data: encodeAtoks(t, rows)},
				File{Ext: ExtSpeaker, Data: encodeFloats(t, emb)},
			)
			if err != nil {
				t.Fatal(err)
			}

			stoks := make([]int32, frames/3)
			for p := range stoks {
				stoks[p] = int32(p % 50)
			}

			raw, err := EncodeIDs(stoks)
			if err != nil {
				t.Fatal(err)
			}

			if err := sw.Write(key, File{Ext: ExtStoks, Data: raw}); err != nil {
				t.Fatal(err)
			}
		}

		for _, w := range []*ShardWriter{aw, sw} {
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}
		}

		if err := WriteSpeakers(filepath.Join(c.atoksDir, name), speakers); err != nil {
			t.Fatal(err)
		}
	}

	return c
}

func testOptions(samples int) Options {
	opts := DefaultOptions()
	opts.Samples = samples
	opts.AtoksLen = 30
	opts.StoksLen = 10
	opts.BatchSize = 2
	opts.ShuffleWindow = 3
	opts.Workers = 2
	opts.Seed = 7

	return opts
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		name, key, ext string
	}{
		{"a/b/c.atoks.npy", "a/b/c", "atoks.npy"},
		{"x.txt", "x", "txt"},
		{"dir.v2/x.y.z", "dir.v2/x", "y.z"},
		{"noext", "noext", ""},
	}

	for _, tt := range tests {
		key, ext := splitKey(tt.name)
		if key != tt.key || ext != tt.ext {
			t.Errorf("splitKey(%q) = %q, %q", tt.name, key, ext)
		}
	}
}

func TestCompressedNames(t *testing.T) {
	for name, want := range map[string]bool{"a.tar": false, "a.tar.gz": true, "a.tgz": true, "a.tar.gz.tmp": false} {
		if got := Compressed(name); got != want {
			t.Errorf("Compressed(%q) = %v", name, got)
		}
	}
}

func TestShardRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
	}{
		{"plain.tar", false},
		{"packed.tar.gz", true},
		// A staged shard is gzipped for its final name but still carries .tmp.
		{"staged.tar.gz.tmp", true},
		{"renamed.tar.gz", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.name)

			w, err := CreateShard(path, tt.compress)
			if err != nil {
				t.Fatal(err)
			}

			_ = w.Write("a/1", File{Ext: "txt", Data: []byte("hello")}, File{Ext: "stoks.npy", Data: []byte{1, 2}})
			_ = w.Write("a/2", File{Ext: "txt", Data: []byte("world")})

			if w.Records() != 2 {
				t.Fatalf("records = %d", w.Records())
			}

			if err := w.Close(); err != nil {
				t.Fatal(err)
			}

			var got []Record
			if err := ReadShard(path, func(r Record) error { got = append(got, r); return nil }); err != nil {
				t.Fatalf("ReadShard: %v", err)
			}

			if len(got) != 2 || got[0].Key != "a/1" || string(got[0].Files["txt"]) != "hello" || len(got[0].Files["stoks.npy"]) != 2 {
				t.Fatalf("records = %+v", got)
			}
		})
	}
}

func TestNPYDecodesIntegerAndFloatArrays(t *testing.T) {
	raw, err := EncodeIDs([]int32{3, 1, 4})
	if err != nil {
		t.Fatal(err)
	}

	a, err := decodeNPY(raw)
	if err != nil {
		t.Fatal(err)
	}

	if !slices.Equal(a.ints(), []int32{3, 1, 4}) {
		t.Fatalf("ids = %v", a.ints())
	}

	rows, err := func() ([][]int32, error) {
		m, err := decodeNPY(encodeAtoks(t, [][]int32{{1, 2}, {3, 4}}))
		if err != nil {
			return nil, err
		}

		return m.rows()
	}()
	if err != nil || !slices.Equal(rows[1], []int32{3, 4}) {
		t.Fatalf("rows = %v, %v", rows, err)
	}

	if _, err := a.rows(); err == nil {
		t.Fatal("expected error for 1-D rows")
	}
}

func TestExportedNPYHelpers(t *testing.T) {
	ids, err := DecodeIDs(encodeAtoks(t, [][]int32{{5, 6}, {7, 8}}))
	if err != nil || !slices.Equal(ids, []int32{5, 6, 7, 8}) {
		t.Fatalf("DecodeIDs = %v, %v", ids, err)
	}

	emb, err := DecodeFloats(encodeFloats(t, []float32{0.5, -1}))
	if err != nil || !slices.Equal(emb, []float32{0.5, -1}) {
		t.Fatalf("DecodeFloats = %v, %v", emb, err)
	}

	if _, err := EncodeGrid([][]int32{{1, 2}, {3}}); err == nil {
		t.Fatal("expected error for ragged rows")
	}

	if _, err := DecodeIDs([]byte("not npy")); err == nil {
		t.Fatal("expected header error")
	}
}

func streamOf(samples ...Sample) Stream {
	return func(yield func(Sample, error) bool) {
		for _, s := range samples {
			if !yield(s, nil) {
				return
			}
		}
	}
}

func collect(t *testing.T, s Stream) []Sample {
	t.Helper()

	var out []Sample
	for v, err := range s {
		if err != nil {
			t.Fatal(err)
		}

		out = append(out, v)
	}

	return out
}

func TestRandomTruncBoundsDuration(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	stage := RandomTrunc(1, 2250, 750, rng)

	for range 200 {
		s := Sample{Atoks: [][]int32{make([]int32, 2250), make([]int32, 2250)}, Stoks: make([]int32, 750)}
		got := collect(t, stage(streamOf(s)))[0]

		n := got.atoksLen()
		if n < 23 || n > 2250 || len(got.Atoks[1]) != n {
			t.Fatalf("truncated to %d frames", n)
		}

		if want := (n*750 + 2249) / 2250; len(got.Stoks) != want {
			t.Fatalf("%d frames kept %d semantic tokens, want %d", n, len(got.Stoks), want)
		}
	}

	// p = 0 still aligns the semantic length to short acoustic streams.
	s := Sample{Atoks: [][]int32{make([]int32, 300)}, Stoks: make([]int32, 750)}
	if got := collect(t, RandomTrunc(0, 2250, 750, rng)(streamOf(s)))[0]; len(got.Stoks) != 100 {
		t.Fatalf("aligned semantic length = %d", len(got.Stoks))
	}
}

func TestPadShiftsSemanticInput(t *testing.T) {
	s := Sample{Stoks: []int32{5, 6, 7}, Atoks: [][]int32{{1, 2}}}
	got := collect(t, Pad(4, 5, 99)(streamOf(s)))[0]

	if !slices.Equal(got.Stoks, []int32{99, 5, 6, 7, 99}) {
		t.Fatalf("stoks = %v", got.Stoks)
	}

	if !slices.Equal(got.OutStoks, []int32{5, 6, 7, 99, 99}) {
		t.Fatalf("out stoks = %v", got.OutStoks)
	}

	if !slices.Equal(got.Atoks[0], []int32{1, 2, s2a.IgnoreIndex, s2a.IgnoreIndex}) {
		t.Fatalf("atoks = %v", got.Atoks[0])
	}

	full := Sample{Stoks: []int32{1, 2, 3}, Atoks: [][]int32{{1, 2, 3, 4}}}
	if got := collect(t, Pad(2, 3, 0)(streamOf(full)))[0]; !slices.Equal(got.Stoks, []int32{0, 1, 2}) || len(got.Atoks[0]) != 2 {
		t.Fatalf("full-length sample = %+v", got)
	}
}

func keyedSamples(n int) []Sample {
	out := make([]Sample, n)
	for i := range out {
		out[i] = Sample{Key: fmt.Sprint(i), SpeakerEmbedding: []float32{float32(i)}}
	}

	return out
}

func keysOf(samples []Sample) []string {
	out := make([]string, len(samples))
	for i, s := range samples {
		out[i] = s.Key
	}

	return out
}

func TestShuffleWindow(t *testing.T) {
	in := keyedSamples(20)
	rng := rand.New(rand.NewPCG(3, 3))

	got := keysOf(collect(t, Shuffle(4, rng)(streamOf(in...))))
	want := keysOf(in)

	if slices.Equal(got, want) {
		t.Fatal("window of 4 left the order unchanged")
	}

	slices.Sort(got)
	slices.Sort(want)

	if !slices.Equal(got, want) {
		t.Fatalf("shuffle lost or duplicated samples: %v", got)
	}

	if got := keysOf(collect(t, Shuffle(1, rng)(streamOf(in...)))); !slices.Equal(got, keysOf(in)) {
		t.Fatalf("window of 1 reordered samples: %v", got)
	}
}

func TestBatchedAndRandomizeSpeakers(t *testing.T) {
	var sizes []int

	rng := rand.New(rand.NewPCG(4, 4))
	for b, err := range RandomizeSpeakers(Batched(streamOf(keyedSamples(7)...), 3), rng) {
		if err != nil {
			t.Fatal(err)
		}

		sizes = append(sizes, len(b))

		var seen []float32
		for _, s := range b {
			seen = append(seen, s.SpeakerEmbedding[0])
		}

		slices.Sort(seen)

		var want []float32
		for _, s := range b {
			k := 0
			_, _ = fmt.Sscan(s.Key, &k)
			want = append(want, float32(k))
		}

		slices.Sort(want)

		if !slices.Equal(seen, want) {
			t.Fatalf("speakers %v are not a permutation of %v", seen, want)
		}
	}

	if !slices.Equal(sizes, []int{3, 3, 1}) {
		t.Fatalf("batch sizes = %v", sizes)
	}
}

func TestStagesPropagateErrors(t *testing.T) {
	boom := errors.New("boom")
	src := func(yield func(Sample, error) bool) {
		if yield(Sample{Key: "a"}, nil) {
			yield(Sample{}, boom)
		}
	}

	var got error
	for _, err := range Chain(src, SanitizeSpeaker(), Shuffle(10, rand.New(rand.NewPCG(1, 1)))) {
		if err != nil {
			got = err
		}
	}

	if !errors.Is(got, boom) {
		t.Fatalf("error = %v", got)
	}
}

func TestValidationReadsEveryShardOnce(t *testing.T) {
	c := writeCorpus(t, 2, 5, 30)

	excludes := filepath.Join(t.TempDir(), "excludes.txt")
	if err := os.WriteFile(excludes, []byte(c.keys[3]+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var nan []string

	opts := testOptions(10)
	opts.Validation = true
	opts.ExcludeFiles = []string{excludes}
	opts.Language = "pl"
	opts.OnNaN = func(key string) { nan = append(nan, key) }

	spk, err := LoadSpeakerMap([]string{
		filepath.Join(c.atoksDir, "librilight-atoks-3kbps-000000.tar.gz"),
		filepath.Join(c.atoksDir, "librilight-atoks-3kbps-000001.tar.gz"),
	})
	if err != nil {
		t.Fatal(err)
	}

	opts.Speakers = spk

	d, err := Open(c.atoksDir, c.stoksDir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var got []string

	batches := 0
	for b, err := range d.Batches(context.Background()) {
		if err != nil {
			t.Fatalf("batch: %v", err)
		}

		batches++

		for _, s := range b {
			got = append(got, s.Key)

			if s.Language != 10 || len(s.Stoks) != 10 || len(s.OutStoks) != 10 || s.atoksLen() != 30 {
				t.Fatalf("sample %s not padded/tagged: %+v", s.Key, s)
			}

			if s.Stoks[0] != 4095 {
				t.Fatalf("sample %s leading pad = %d", s.Key, s.Stoks[0])
			}

			if hasNaN(s.SpeakerEmbedding) {
				t.Fatalf("sample %s kept a NaN speaker value", s.Key)
			}

			if want := spk.Index(s2a.SpeakerFromKey(s.Key)); s.SpeakerIndex != want || want < 0 {
				t.Fatalf("sample %s speaker index %d, want %d", s.Key, s.SpeakerIndex, want)
			}
		}
	}

	want := slices.Delete(slices.Clone(c.keys), 3, 4)
	if !slices.Equal(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}

	if batches != 5 {
		t.Fatalf("batches = %d, want 5", batches)
	}

	if !slices.Equal(nan, []string{c.keys[0]}) {
		t.Fatalf("NaN keys = %v", nan)
	}
}

func TestTrainingResamplesUntilBudget(t *testing.T) {
	c := writeCorpus(t, 2, 3, 30)

	opts := testOptions(15)
	opts.BatchSize = 4
	opts.RandomTruncP = 0.5
	opts.RandomizeSpeakers = true

	d, err := Open(filepath.Join(c.atoksDir, "*.tar.gz"), c.stoksDir, opts)
	if err != nil {
		t.Fatal(err)
	}

	samples, batches := 0, 0
	for b, err := range d.Batches(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}

		if len(b) != 4 {
			t.Fatalf("training batch of %d", len(b))
		}

		mb, err := ModelBatch(b, 2)
		if err != nil {
			t.Fatalf("ModelBatch: %v", err)
		}

		if mb.Atoks.N != 30 || len(mb.Stoks) != 40 || len(mb.Speakers) != 12 {
			t.Fatalf("model batch %+v", mb.Atoks)
		}

		batches++
		samples += len(b)
	}

	if batches != 4 || samples != 16 {
		t.Fatalf("got %d batches / %d samples, want 4 / 16", batches, samples)
	}
}

func TestBreakingOutStopsWorkers(t *testing.T) {
	c := writeCorpus(t, 1, 4, 30)

	d, err := Open(c.atoksDir, c.stoksDir, testOptions(0))
	if err != nil {
		t.Fatal(err)
	}

	n := 0
	for _, err := range d.Batches(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}

		n++
		if n == 3 {
			break
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got error
	for _, err := range d.Batches(ctx) {
		got = err
	}

	if !errors.Is(got, context.Canceled) {
		t.Fatalf("cancelled context error = %v", got)
	}
}

func TestOpenFailsFast(t *testing.T) {
	c := writeCorpus(t, 1, 2, 30)

	if _, err := Open(c.atoksDir, t.TempDir(), testOptions(2)); !errors.Is(err, ErrMissingShard) {
		t.Fatalf("missing semantic shard: %v", err)
	}

	if _, err := Open(filepath.Join(t.TempDir(), "*.tar"), c.stoksDir, testOptions(2)); !errors.Is(err, ErrMissingShard) {
		t.Fatalf("empty glob: %v", err)
	}

	opts := testOptions(2)
	opts.Language = "klingon"

	if _, err := Open(c.atoksDir, c.stoksDir, opts); err == nil {
		t.Fatal("expected unknown language error")
	}

	if _, err := LoadSpeakerMap([]string{filepath.Join(c.stoksDir, "x.tar")}); !errors.Is(err, ErrMissingSidecar) {
		t.Fatalf("missing sidecar: %v", err)
	}
}

func TestMixDrainsAllDatasets(t *testing.T) {
	small := writeCorpus(t, 1, 2, 30)
	large := writeCorpus(t, 1, 6, 30)

	open := func(c corpus, samples int, weight float64) *Dataset {
		opts := testOptions(samples)
		opts.Validation = true
		opts.Weight = weight

		d, err := Open(c.atoksDir, c.stoksDir, opts)
		if err != nil {
			t.Fatal(err)
		}

		return d
	}

	total := 0
	for b, err := range Mix(context.Background(), rand.New(rand.NewPCG(9, 9)), open(small, 2, 1), open(large, 6, 3)) {
		if err != nil {
			t.Fatal(err)
		}

		total += len(b)
	}

	if total != 8 {
		t.Fatalf("mixed %d samples, want 8", total)
	}
}

func TestModelBatchRejectsRaggedSamples(t *testing.T) {
	a := Sample{Key: "a", Stoks: make([]int32, 4), OutStoks: make([]int32, 4), Atoks: [][]int32{make([]int32, 6)}, SpeakerEmbedding: make([]float32, 2)}
	b := a
	b.Key = "b"
	b.Stoks = make([]int32, 3)

	if _, err := ModelBatch([]Sample{a, b}, 1); err == nil {
		t.Fatal("expected error for ragged semantic lengths")
	}

	if _, err := ModelBatch([]Sample{a}, 2); err == nil {
		t.Fatal("expected error for too few acoustic streams")
	}

	if _, err := ModelBatch(nil, 1); err == nil {
		t.Fatal("expected error for empty batch")
	}
}
