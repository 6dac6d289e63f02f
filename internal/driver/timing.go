package driver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type timingEvent struct {
	Phase      string  `json:"phase"`
	Kind       string  `json:"kind"`
	File       string  `json:"file,omitempty"`
	Status     string  `json:"status,omitempty"`
	StartMS    float64 `json:"start_ms"`
	DurationMS float64 `json:"duration_ms"`
	EndMS      float64 `json:"end_ms"`
}

// TimingRecorder appends one JSON line per stage or file to a file. A nil or
// disabled recorder drops everything.
type TimingRecorder struct {
	enabled bool
	start   time.Time
	mu      sync.Mutex
	events  []timingEvent
	file    *os.File
	enc     *json.Encoder
	err     error
}

// NewTimingRecorder records relative to start into path. An empty path
// gives a disabled recorder.
func NewTimingRecorder(start time.Time, path string) *TimingRecorder {
	tr := &TimingRecorder{start: start}
	if path == "" {
		return tr
	}
	f, err := os.Create(path)
	if err != nil {
		tr.err = err
		return tr
	}
	tr.enabled = true
	tr.file = f
	tr.enc = json.NewEncoder(f)
	return tr
}

// TimingPath returns the timing output requested through
// VHDL_RUN_TIMING_JSONL, resolved against root when relative.
func TimingPath(root string) string {
	path := os.Getenv("VHDL_RUN_TIMING_JSONL")
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func (tr *TimingRecorder) Enabled() bool {
	return tr != nil && tr.enabled
}

func (tr *TimingRecorder) Err() error {
	if tr == nil {
		return nil
	}
	return tr.err
}

func (tr *TimingRecorder) Close() {
	if tr == nil || tr.file == nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	_ = tr.file.Close()
	tr.file = nil
	tr.enc = nil
	tr.enabled = false
}

func (tr *TimingRecorder) record(phase, kind, file, status string, start time.Time, duration time.Duration) {
	if tr == nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.enabled {
		return
	}
	startMS := durationToMS(start.Sub(tr.start))
	durationMS := durationToMS(duration)
	event := timingEvent{
		Phase:      phase,
		Kind:       kind,
		File:       file,
		Status:     status,
		StartMS:    startMS,
		DurationMS: durationMS,
		EndMS:      startMS + durationMS,
	}
	tr.events = append(tr.events, event)
	if tr.enc != nil {
		_ = tr.enc.Encode(event)
	}
}

// RecordStage records one driver stage.
func (tr *TimingRecorder) RecordStage(phase string, start time.Time, duration time.Duration, status string) {
	tr.record(phase, "stage", "", status, start, duration)
}

// RecordFile records the work done on one source file.
func (tr *TimingRecorder) RecordFile(phase, file, status string, start time.Time, duration time.Duration) {
	tr.record(phase, "file", file, status, start, duration)
}

func durationToMS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000_000.0
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
