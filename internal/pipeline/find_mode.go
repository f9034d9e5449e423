package pipeline

import (
	"strings"
	"sync"

	"spotter/internal/detector"
)

// findMode watches for one label across incoming batches and raises a
// single "found" signal. The signal is one-shot: it stays raised until
// the consumer acknowledges it, so an object that remains in view does
// not re-trigger the alert every frame.
type findMode struct {
	mu      sync.Mutex
	label   string
	found   bool
	onFound func(label string)
}

// Start sets the watched label, replacing any previous one.
func (f *findMode) Start(label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.label = label
}

// Stop clears the watched label. An already-raised, unacknowledged found
// signal is not cancelled.
func (f *findMode) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.label = ""
}

// Label returns the watched label, or "" when find mode is off.
func (f *findMode) Label() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.label
}

// Check matches a batch against the watched label, case-insensitively.
// It raises the found signal at most once per acknowledgement cycle.
func (f *findMode) Check(detections []detector.Detection) {
	f.mu.Lock()
	label := f.label
	if label == "" || f.found {
		f.mu.Unlock()
		return
	}

	matched := false
	for _, d := range detections {
		if strings.EqualFold(d.Label, label) {
			matched = true
			break
		}
	}
	if !matched {
		f.mu.Unlock()
		return
	}

	f.found = true
	notify := f.onFound
	f.mu.Unlock()

	if notify != nil {
		notify(label)
	}
}

// Found reports whether an unacknowledged found signal is raised.
func (f *findMode) Found() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.found
}

// Acknowledge clears the found signal so it can fire again.
func (f *findMode) Acknowledge() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.found = false
}
