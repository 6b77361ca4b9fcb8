package audio

// ChunkSeconds is the window length the models are trained on.
const ChunkSeconds = 30

// Chunk is one fixed-length window of a recording. RPad counts the zero
// samples appended to fill the final window.
type Chunk struct {
	Index   int
	Samples []float32
	RPad    int
}

// Split cuts samples into windows of size samples each, zero-padding the
// last one. An empty recording yields no chunks.
func Split(samples []float32, size int) []Chunk {
	if size <= 0 || len(samples) == 0 {
		return nil
	}

	n := (len(samples) + size - 1) / size
	out := make([]Chunk, 0, n)

	for i := range n {
		lo := i * size
		hi := min(lo+size, len(samples))

		buf := make([]float32, size)
		copy(buf, samples[lo:hi])

		out = append(out, Chunk{Index: i, Samples: buf, RPad: size - (hi - lo)})
	}

	return out
}

// Split30s cuts a 16 kHz recording into 30 second windows.
func Split30s(samples []float32) []Chunk {
	return Split(samples, ChunkSeconds*SampleRate)
}
