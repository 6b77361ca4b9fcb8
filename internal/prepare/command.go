package prepare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/example/go-s2a/internal/audio"
)

// Command runs an external program once per chunk, feeding the chunk as a
// 16-bit WAV on stdin and reading its answer from stdout.
type Command struct {
	Args []string
}

func (c Command) run(ctx context.Context, chunk []float32) ([]byte, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("prepare: empty command")
	}

	wav, err := audio.EncodeWAV(chunk)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Stdin = bytes.NewReader(wav)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("prepare: %s: %w: %s", c.Args[0], err, msg)
		}

		return nil, fmt.Errorf("prepare: %s: %w", c.Args[0], err)
	}

	return stdout.Bytes(), nil
}

// CommandTranscriber transcribes chunks with an external speech recogniser.
type CommandTranscriber struct {
	Command
}

// Transcribe returns the trimmed, NFC-normalised stdout of every run.
func (t CommandTranscriber) Transcribe(ctx context.Context, chunks [][]float32) ([]string, error) {
	out := make([]string, len(chunks))

	for i, c := range chunks {
		raw, err := t.run(ctx, c)
		if err != nil {
			return nil, err
		}

		out[i] = norm.NFC.String(strings.TrimSpace(string(raw)))
	}

	return out, nil
}

// CommandEncoder extracts semantic tokens with an external program printing
// whitespace-separated ids.
type CommandEncoder struct {
	Command
}

func (e CommandEncoder) Encode(ctx context.Context, chunks [][]float32) ([][]int32, error) {
	out := make([][]int32, len(chunks))

	for i, c := range chunks {
		raw, err := e.run(ctx, c)
		if err != nil {
			return nil, err
		}

		fields := strings.Fields(string(raw))
		ids := make([]int32, len(fields))

		for j, f := range fields {
			v, err := strconv.ParseInt(f, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("prepare: %s: token %d: %w", e.Args[0], j, err)
			}

			ids[j] = int32(v)
		}

		out[i] = ids
	}

	return out, nil
}
