package prepare

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/sbinet/npyio"

	"github.com/example/go-s2a/internal/audio"
	"github.com/example/go-s2a/internal/dataset"
)

const testChunk = 3200

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, chunks [][]float32) ([]string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	out := make([]string, len(chunks))
	for i := range chunks {
		out[i] = "hello world"
	}

	return out, nil
}

// fakeEncoder emits 25 tokens per second of audio.
type fakeEncoder struct {
	err error
}

func (f fakeEncoder) Encode(_ context.Context, chunks [][]float32) ([][]int32, error) {
	if f.err != nil {
		return nil, f.err
	}

	out := make([][]int32, len(chunks))
	for i, c := range chunks {
		ids := make([]int32, len(c)*25/audio.SampleRate)
		for j := range ids {
			ids[j] = int32(j)
		}

		out[i] = ids
	}

	return out, nil
}

// writeInput writes one shard of recordings with the given lengths in
// samples, keyed librilight/<speaker>/book_<i>.
func writeInput(t *testing.T, speakers []string, lengths []int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "librilight-flac-000000.tar")

	w, err := dataset.CreateShard(path, false)
	if err != nil {
		t.Fatal(err)
	}

	for i, n := range lengths {
		samples := make([]float32, n)
		for j := range samples {
			samples[j] = float32(j%100) / 200
		}

		wav, err := audio.EncodeWAV(samples)
		if err != nil {
			t.Fatal(err)
		}

		key := "librilight/" + speakers[i] + "/book_" + string(rune('0'+i))
		if err := w.Write(key, dataset.File{Ext: ExtAudio, Data: wav}); err != nil {
			t.Fatal(err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	return path
}

func readOutput(t *testing.T, path string) map[string]dataset.Record {
	t.Helper()

	got := map[string]dataset.Record{}

	err := dataset.ReadShard(path, func(rec dataset.Record) error {
		got[rec.Key] = rec
		return nil
	})
	if err != nil {
		t.Fatalf("read output: %v", err)
	}

	return got
}

func TestRunDropsFirstAndLastChunks(t *testing.T) {
	// 3, 4 and 4 (padded) chunks: 11 in total, 6 dropped.
	in := writeInput(t, []string{"spk0", "spk1", "spk1"}, []int{3 * testChunk, 4 * testChunk, 3*testChunk + 1000})
	out := filepath.Join(t.TempDir(), "librilight-t2s-000000.tar.gz")

	tr := &fakeTranscriber{}
	opts := DefaultOptions()
	opts.Output = out
	opts.BatchSize = 2
	opts.ChunkSamples = testChunk

	res, err := Run(context.Background(), []string{in}, tr, fakeEncoder{}, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Samples != 5 || res.Path != out {
		t.Fatalf("result = %+v", res)
	}

	if tr.calls != 3 {
		t.Fatalf("transcriber called %d times, want 3 batches", tr.calls)
	}

	if _, err := os.Stat(out + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary shard still present: %v", err)
	}

	recs := readOutput(t, out)

	var keys []string
	for k := range recs {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	want := []string{
		"librilight/spk0/book_0_001",
		"librilight/spk1/book_1_001",
		"librilight/spk1/book_1_002",
		"librilight/spk1/book_2_001",
		"librilight/spk1/book_2_002",
	}
	if !slices.Equal(keys, want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}

	for key, rec := range recs {
		if string(rec.Files[dataset.ExtText]) != "hello world" {
			t.Fatalf("%s text = %q", key, rec.Files[dataset.ExtText])
		}

		var ids []int32
		if err := npyio.Read(bytes.NewReader(rec.Files[dataset.ExtStoks]), &ids); err != nil {
			t.Fatalf("%s stoks: %v", key, err)
		}

		if len(ids) != 5 {
			t.Fatalf("%s has %d tokens, want 5", key, len(ids))
		}
	}

	speakers, err := dataset.ReadLines(dataset.SidecarPath(out))
	if err != nil {
		t.Fatal(err)
	}

	if !slices.Equal(speakers, []string{"spk0", "spk1"}) {
		t.Fatalf("speakers = %v", speakers)
	}
}

func TestRunBenchmarkKeepsTemporaryShard(t *testing.T) {
	in := writeInput(t, []string{"a", "b"}, []int{6 * testChunk, 6 * testChunk})
	out := filepath.Join(t.TempDir(), "out.tar.gz")

	opts := DefaultOptions()
	opts.Output = out
	opts.ChunkSamples = testChunk
	opts.Samples = 3

	res, err := Run(context.Background(), []string{in}, &fakeTranscriber{}, fakeEncoder{}, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Samples != 3 || res.Path != out+".tmp" {
		t.Fatalf("result = %+v", res)
	}

	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("benchmark run renamed onto the output: %v", err)
	}

	if n := len(readOutput(t, out+".tmp")); n != 3 {
		t.Fatalf("temporary shard holds %d samples, want 3", n)
	}
}

func TestRunPropagatesEncoderErrors(t *testing.T) {
	in := writeInput(t, []string{"a"}, []int{4 * testChunk})
	out := filepath.Join(t.TempDir(), "out.tar")

	opts := DefaultOptions()
	opts.Output = out
	opts.ChunkSamples = testChunk

	boom := errors.New("encoder down")

	_, err := Run(context.Background(), []string{in}, &fakeTranscriber{}, fakeEncoder{err: boom}, opts)
	if !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want %v", err, boom)
	}

	if _, err := os.Stat(out + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("failed run left its temporary shard behind")
	}
}

func TestOutputNameAndInputs(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/data/librilight-flac-000123.tar", "librilight-t2s-000123.tar.gz"},
		{"shards/speech-wav-000001.tar", "speech-t2s-000001.tar.gz"},
	}

	for _, tt := range tests {
		if got := OutputName(tt.in); got != tt.want {
			t.Errorf("OutputName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	got, err := ReadInputs("-", strings.NewReader("a.tar\n\n b.tar \n"))
	if err != nil || !slices.Equal(got, []string{"a.tar", "b.tar"}) {
		t.Fatalf("ReadInputs(-) = %v, %v", got, err)
	}

	if got, _ := ReadInputs("one.tar", nil); !slices.Equal(got, []string{"one.tar"}) {
		t.Fatalf("ReadInputs(one.tar) = %v", got)
	}

	if _, err := Run(context.Background(), []string{"a", "b"}, nil, nil, DefaultOptions()); err == nil {
		t.Fatal("expected error for several inputs without an output name")
	}
}

func TestTrimPadding(t *testing.T) {
	ids := []int32{1, 2, 3, 4, 5, 6}

	tests := []struct {
		rpad int
		want int
	}{
		{0, 6},
		{640, 5},   // exactly one token
		{1000, 5},  // partial tokens are kept
		{16000, 0}, // clamped
	}

	for _, tt := range tests {
		if got := TrimPadding(ids, tt.rpad); len(got) != tt.want {
			t.Errorf("TrimPadding(rpad=%d) kept %d, want %d", tt.rpad, len(got), tt.want)
		}
	}
}

func TestCommandAdapters(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	ctx := context.Background()
	chunks := [][]float32{make([]float32, 160)}

	tr := CommandTranscriber{Command{Args: []string{"sh", "-c", "cat >/dev/null; printf '  Cafe\\314\\201 \\n'"}}}

	texts, err := tr.Transcribe(ctx, chunks)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if texts[0] != "Café" {
		t.Fatalf("transcript = %q, want NFC-composed Café", texts[0])
	}

	enc := CommandEncoder{Command{Args: []string{"sh", "-c", "cat >/dev/null; echo 3 1 4"}}}

	ids, err := enc.Encode(ctx, chunks)
	if err != nil || !slices.Equal(ids[0], []int32{3, 1, 4}) {
		t.Fatalf("Encode = %v, %v", ids, err)
	}

	bad := CommandEncoder{Command{Args: []string{"sh", "-c", "cat >/dev/null; echo x"}}}
	if _, err := bad.Encode(ctx, chunks); err == nil {
		t.Fatal("expected parse error")
	}

	fail := CommandTranscriber{Command{Args: []string{"sh", "-c", "cat >/dev/null; echo oops >&2; exit 3"}}}
	if _, err := fail.Transcribe(ctx, chunks); err == nil || !strings.Contains(err.Error(), "oops") {
		t.Fatalf("Transcribe = %v, want stderr in error", err)
	}
}
