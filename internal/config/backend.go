package config

import (
	"fmt"
	"strings"
)

// Semantic encoder backends used by dataset preparation.
const (
	EncoderONNX = "onnx"
	EncoderExec = "exec"
)

func NormalizeEncoder(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = EncoderONNX
	}
	switch backend {
	case EncoderONNX, EncoderExec:
		return backend, nil
	case "ort", "onnxruntime":
		return EncoderONNX, nil
	case "command", "cli":
		return EncoderExec, nil
	default:
		return "", fmt.Errorf("invalid encoder %q (expected %s|%s)", raw, EncoderONNX, EncoderExec)
	}
}
