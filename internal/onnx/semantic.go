// Package onnx runs the semantic-token encoder graph used by dataset
// preparation through ONNX Runtime.
package onnx

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/example/go-s2a/internal/config"
)

// Graph tensor names expected in an exported semantic encoder.
const (
	SemanticInput  = "audio"
	SemanticOutput = "stoks"
)

// SemanticEncoder maps batches of equal-length 16 kHz chunks to semantic
// token ids.
type SemanticEncoder struct {
	mu     sync.Mutex
	runner GraphRunner
}

func NewSemanticEncoder(modelPath string, cfg config.RuntimeConfig) (*SemanticEncoder, error) {
	info, err := DetectRuntime(cfg)
	if err != nil {
		return nil, err
	}

	r, err := NewRunner("semantic", modelPath, RunnerConfig{LibraryPath: info.LibraryPath})
	if err != nil {
		return nil, err
	}

	return NewSemanticEncoderWithRunner(r), nil
}

func NewSemanticEncoderWithRunner(r GraphRunner) *SemanticEncoder {
	return &SemanticEncoder{runner: r}
}

// Encode returns one token row per chunk.
func (e *SemanticEncoder) Encode(ctx context.Context, chunks [][]float32) ([][]int32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	n := len(chunks[0])
	if n == 0 {
		return nil, fmt.Errorf("onnx: semantic encoder: empty chunk")
	}

	flat := make([]float32, 0, len(chunks)*n)
	for i, c := range chunks {
		if len(c) != n {
			return nil, fmt.Errorf("onnx: semantic encoder: chunk %d has %d samples, want %d", i, len(c), n)
		}

		flat = append(flat, c...)
	}

	in, err := NewTensor(flat, []int64{int64(len(chunks)), int64(n)})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	out, err := e.runner.Run(ctx, map[string]*Tensor{SemanticInput: in})
	e.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("onnx: semantic encoder: %w", err)
	}

	t, ok := out[SemanticOutput]
	if !ok {
		return nil, fmt.Errorf("onnx: semantic encoder: graph %q has no %q output", e.runner.Name(), SemanticOutput)
	}

	ids, err := ExtractInt64(t)
	if err != nil {
		return nil, fmt.Errorf("onnx: semantic encoder: %w", err)
	}

	shape := t.Shape()
	if len(shape) == 1 && len(chunks) == 1 {
		shape = []int64{1, shape[0]}
	}

	if len(shape) != 2 || shape[0] != int64(len(chunks)) {
		return nil, fmt.Errorf("onnx: semantic encoder: output shape %v for %d chunks", t.Shape(), len(chunks))
	}

	width := int(shape[1])
	rows := make([][]int32, len(chunks))

	for i := range rows {
		row := make([]int32, width)
		for j, id := range ids[i*width : (i+1)*width] {
			if id < 0 || id > math.MaxInt32 {
				return nil, fmt.Errorf("onnx: semantic encoder: token %d out of range", id)
			}

			row[j] = int32(id)
		}

		rows[i] = row
	}

	return rows, nil
}

func (e *SemanticEncoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runner != nil {
		e.runner.Close()
		e.runner = nil
	}
}
