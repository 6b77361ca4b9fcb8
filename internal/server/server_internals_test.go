package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/example/go-s2a/internal/config"
	"github.com/example/go-s2a/internal/s2a"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func tinyModel(t *testing.T) *s2a.Model {
	t.Helper()

	tun := s2a.DefaultTunables()
	tun.EncoderDepthRatio = 0.5

	m, err := s2a.New(s2a.Config{
		Depth:               1,
		NHead:               2,
		HeadWidth:           4,
		FFNMult:             2,
		Quantizers:          2,
		Codes:               12,
		CtxN:                200,
		StoksLen:            64,
		StoksCodes:          20,
		CrossKeySubsampling: 3,
	}, tun, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.Speakers = s2a.NewSpeakerMap([]string{"zed", "amy"})

	return m
}

func TestModelGenerator(t *testing.T) {
	m := tinyModel(t)
	g := NewModelGenerator(m, s2a.DefaultGenerateOptions(), 7)

	seed := uint64(3)
	req := GenerateRequest{Stoks: []int32{1, 2, 3, 4}, Speaker: make([]float32, m.Config.Width()), N: 6, Seed: &seed}

	a, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	b, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(a) != 2 || fmt.Sprint(a) != fmt.Sprint(b) {
		t.Fatalf("seeded generations differ: %v vs %v", a, b)
	}

	req.Speaker = make([]float32, 3)

	_, err = g.Generate(context.Background(), req)
	if _, ok := err.(*RequestError); !ok {
		t.Fatalf("speaker width mismatch = %v, want *RequestError", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.Generate(ctx, GenerateRequest{Stoks: []int32{1}, Speaker: make([]float32, m.Config.Width())}); err == nil {
		t.Fatal("expected error for cancelled context")
	}

	if ids := g.ListSpeakers(); fmt.Sprint(ids) != "[amy zed]" {
		t.Fatalf("speakers = %v", ids)
	}
}

func TestStart_LifecycleHealthAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	addr := ln.Addr().String()
	ln.Close()

	cfg := config.DefaultConfig().Server
	cfg.ListenAddr = addr

	s := New(cfg, NewModelGenerator(tinyModel(t), s2a.DefaultGenerateOptions(), 1), nil).WithShutdownTimeout(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start(ctx)
	}()

	client := &http.Client{Timeout: 2 * time.Second}

	var resp *http.Response
	for range 50 {
		resp, err = client.Get(fmt.Sprintf("http://%s/health", addr))
		if err == nil {
			break
		}

		time.Sleep(20 * time.Millisecond)
	}

	if err != nil {
		t.Fatalf("server never became ready: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["status"] != "ok" {
		t.Fatalf("/health = %v, %v", body, err)
	}

	if err := ProbeHTTP(addr); err != nil {
		t.Fatalf("ProbeHTTP: %v", err)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start() returned error on shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return within 5s of context cancel")
	}
}
