package latency

import (
	"math"
	"time"
)

// Result summarizes a completed latency run.
type Result struct {
	AverageMs float64 `json:"average_ms"`
	JitterMs  float64 `json:"jitter_ms"`
	MinMs     float64 `json:"min_ms"`
	MaxMs     float64 `json:"max_ms"`
	Samples   int     `json:"samples"`
}

// Sample is one probe outcome in sequence order. RTT is zero when OK is false.
type Sample struct {
	Index int
	RTT   time.Duration
	OK    bool
}

type sampleWindow struct {
	size   int
	rttsMs []float64
}

func newSampleWindow(size int) *sampleWindow {
	return &sampleWindow{size: size, rttsMs: make([]float64, 0, size)}
}

func (w *sampleWindow) add(s Sample) {
	if !s.OK {
		return
	}
	w.rttsMs = append(w.rttsMs, float64(s.RTT.Microseconds())/1000.0)
}

func (w *sampleWindow) latest() float64 {
	if len(w.rttsMs) == 0 {
		return 0
	}
	return w.rttsMs[len(w.rttsMs)-1]
}

func (w *sampleWindow) jitter() float64 {
	return Jitter(w.rttsMs)
}

func (w *sampleWindow) result() Result {
	res := Result{
		AverageMs: Average(w.rttsMs),
		JitterMs:  Jitter(w.rttsMs),
		Samples:   len(w.rttsMs),
	}
	if len(w.rttsMs) > 0 {
		res.MinMs = math.Inf(1)
		for _, v := range w.rttsMs {
			res.MinMs = math.Min(res.MinMs, v)
			res.MaxMs = math.Max(res.MaxMs, v)
		}
	}
	return res
}

// Jitter is the mean absolute difference between consecutive samples, or 0
// with fewer than two samples.
func Jitter(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		diff := samples[i] - samples[i-1]
		if diff < 0 {
			diff = -diff
		}
		sum += diff
	}
	return sum / float64(len(samples)-1)
}

func Average(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}
