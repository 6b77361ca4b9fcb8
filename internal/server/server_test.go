package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/go-s2a/internal/metrics"
	"github.com/example/go-s2a/internal/server"
)

// stubGenerator implements server.Generator for tests.
type stubGenerator struct {
	atoks [][]int32
	err   error
	delay time.Duration
	last  server.GenerateRequest
}

func (s *stubGenerator) Generate(ctx context.Context, req server.GenerateRequest) ([][]int32, error) {
	s.last = req

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return s.atoks, s.err
}

type stubSpeakers []string

func (s stubSpeakers) ListSpeakers() []string { return s }

func postGenerate(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)

	return rec
}

// ---------------------------------------------------------------------------
// GET /health, /speakers, /metrics
// ---------------------------------------------------------------------------

func TestHealth_Returns200WithStatusOK(t *testing.T) {
	h := server.NewHandler(&stubGenerator{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	if body["status"] != "ok" {
		t.Errorf("want status=ok, got %q", body["status"])
	}

	if _, ok := body["version"]; !ok {
		t.Error("want version field in response")
	}
}

func TestSpeakers_ReturnsJSONArray(t *testing.T) {
	tests := []struct {
		name     string
		speakers server.SpeakerLister
		want     []string
	}{
		{"listed", stubSpeakers{"alice", "bob"}, []string{"alice", "bob"}},
		{"none", nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := server.NewHandler(&stubGenerator{}, tt.speakers)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/speakers", nil))

			var got []string
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}

			if len(got) != len(tt.want) || (len(got) > 0 && got[0] != tt.want[0]) {
				t.Fatalf("speakers = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMetrics_ServedWhenConfigured(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := metrics.NewTraining(reg)
	if err != nil {
		t.Fatal(err)
	}

	h := server.NewHandler(&stubGenerator{atoks: [][]int32{{1, 2, 3}}}, nil, server.WithMetrics(reg, m))

	if rec := postGenerate(t, h, `{"stoks":[1,2]}`); rec.Code != http.StatusOK {
		t.Fatalf("generate status %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status %d", rec.Code)
	}

	if !strings.Contains(rec.Body.String(), "s2a_generate_positions_total 3") {
		t.Fatalf("/metrics body lacks generated positions:\n%s", rec.Body.String())
	}

	bare := server.NewHandler(&stubGenerator{}, nil)

	rec = httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("/metrics without a gatherer = %d, want 404", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /generate
// ---------------------------------------------------------------------------

func TestGenerate_ReturnsTokens(t *testing.T) {
	gen := &stubGenerator{atoks: [][]int32{{1, 2, 3}, {4, 5, 6}}}
	h := server.NewHandler(gen, nil)

	rec := postGenerate(t, h, `{"stoks":[7,8],"speaker":[0.5],"temperature":0,"top_k":3,"n":9}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp server.GenerateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.Positions != 3 || len(resp.Atoks) != 2 || resp.Atoks[1][2] != 6 {
		t.Fatalf("response = %+v", resp)
	}

	if gen.last.Temperature == nil || *gen.last.Temperature != 0 || gen.last.TopK != 3 || gen.last.N != 9 {
		t.Fatalf("request seen by generator = %+v", gen.last)
	}
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		gen    *stubGenerator
		opts   []server.Option
		want   int
	}{
		{"wrong method", http.MethodGet, "", &stubGenerator{}, nil, http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", &stubGenerator{}, nil, http.StatusBadRequest},
		{"missing stoks", http.MethodPost, `{"speaker":[1]}`, &stubGenerator{}, nil, http.StatusBadRequest},
		{"too many stoks", http.MethodPost, `{"stoks":[1,2,3]}`, &stubGenerator{}, []server.Option{server.WithMaxInputTokens(2)}, http.StatusRequestEntityTooLarge},
		{"bad request from model", http.MethodPost, `{"stoks":[1]}`, &stubGenerator{err: &server.RequestError{Err: errors.New("speaker width")}}, nil, http.StatusBadRequest},
		{"internal failure", http.MethodPost, `{"stoks":[1]}`, &stubGenerator{err: errors.New("boom")}, nil, http.StatusInternalServerError},
		{"timeout", http.MethodPost, `{"stoks":[1]}`, &stubGenerator{delay: time.Second}, []server.Option{server.WithRequestTimeout(10 * time.Millisecond)}, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := server.NewHandler(tt.gen, nil, tt.opts...)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/generate", strings.NewReader(tt.body))
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}

			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Fatalf("error body = %v, %v", body, err)
			}
		})
	}
}
