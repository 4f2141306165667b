package ui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fieldworks/stagefast/engine"
)

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		bytesPerSec float64
		expected    string
	}{
		{500, "500 B/s"},
		{1024, "1.00 KB/s"},
		{2048, "2.00 KB/s"},
		{1048576, "1.00 MB/s"},
		{1572864, "1.50 MB/s"},
		{1073741824, "1.00 GB/s"},
	}

	for _, tt := range tests {
		result := formatSpeed(tt.bytesPerSec)
		if result != tt.expected {
			t.Errorf("formatSpeed(%v) = %v; want %v", tt.bytesPerSec, result, tt.expected)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n        int64
		expected string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
		{2 * 1024 * 1024 * 1024 * 1024, "2.00 TB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.n)
		if result != tt.expected {
			t.Errorf("formatBytes(%v) = %v; want %v", tt.n, result, tt.expected)
		}
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		etaSeconds int64
		expected   string
	}{
		{-1, "Calculating..."},
		{0, "0s"},
		{5, "5s"},
		{90, "1m30s"},
		{100 * 3600, "> 1d"},
	}

	for _, tt := range tests {
		result := formatETA(tt.etaSeconds)
		if result != tt.expected {
			t.Errorf("formatETA(%v) = %v; want %v", tt.etaSeconds, result, tt.expected)
		}
	}
}

func TestTUIModelInitialization(t *testing.T) {
	state := &UIState{
		Progress:   engine.Progress{JobID: "job1", Status: engine.StateUploading},
		MaxWorkers: 10,
	}
	model := NewTUIModel(state)

	if model.state.MaxWorkers != 10 {
		t.Errorf("Expected MaxWorkers 10, got %d", model.state.MaxWorkers)
	}

	view := model.View()
	if view == "" {
		t.Errorf("View rendered empty string")
	}

	if !strings.Contains(view, "Initializing...") {
		t.Errorf("Expected Initializing view when width is 0")
	}
}

func TestTUIWorkerControl(t *testing.T) {
	state := &UIState{MaxWorkers: 4, ActiveWorkers: 4}

	var delta int
	model := NewTUIModel(state).WithWorkerControl(func(d int) { delta = d })

	updated, _ := model.Update(WorkerCountMsg(1))
	model = updated.(TUIModel)
	if delta != 1 {
		t.Errorf("Expected worker delta +1, got %d", delta)
	}

	model.Update(WorkerCountMsg(-1))
	if delta != -1 {
		t.Errorf("Expected worker delta -1, got %d", delta)
	}
}

func TestTUIQuitsWhenDone(t *testing.T) {
	state := &UIState{Done: true}
	model := NewTUIModel(state)

	_, cmd := model.Update(TUIUpdateMsg{State: state})
	if cmd == nil {
		t.Fatal("Expected quit command when update reports done")
	}
	if msg := cmd(); msg != (tea.QuitMsg{}) {
		t.Errorf("Expected tea.QuitMsg, got %T", msg)
	}
}
