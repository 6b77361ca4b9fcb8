package audio

import "testing"

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		count int
		rpad  int
	}{
		{"exact", 12, 4, 3, 0},
		{"padded tail", 10, 4, 3, 2},
		{"shorter than one window", 3, 4, 1, 1},
		{"empty", 0, 4, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := make([]float32, tt.n)
			for i := range samples {
				samples[i] = float32(i + 1)
			}

			chunks := Split(samples, tt.size)
			if len(chunks) != tt.count {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.count)
			}

			if tt.count == 0 {
				return
			}

			last := chunks[len(chunks)-1]
			if last.RPad != tt.rpad || last.Index != tt.count-1 {
				t.Fatalf("last chunk = index %d rpad %d", last.Index, last.RPad)
			}

			for _, c := range chunks {
				if len(c.Samples) != tt.size {
					t.Fatalf("chunk %d has %d samples", c.Index, len(c.Samples))
				}
			}

			if got := last.Samples[tt.size-1]; tt.rpad > 0 && got != 0 {
				t.Fatalf("padding sample = %v", got)
			}
		})
	}
}

func TestSplit30sWindow(t *testing.T) {
	chunks := Split30s(make([]float32, 2*ChunkSeconds*SampleRate+1))
	if len(chunks) != 3 || chunks[2].RPad != ChunkSeconds*SampleRate-1 {
		t.Fatalf("chunks = %d, last rpad %d", len(chunks), chunks[len(chunks)-1].RPad)
	}
}
