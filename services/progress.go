package services

import (
	"sync"
	"time"
)

// ProgressObserver receives coarse progress of a blocking load.
type ProgressObserver interface {
	Start()
	Update(percent int)
	Finish()
}

// ProgressState is a snapshot of the loading indicator.
type ProgressState struct {
	Loading bool   `json:"loading"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// ProgressListener is called with every state change.
type ProgressListener func(ProgressState)

// DefaultFinishDelay keeps the indicator at 100% briefly before hiding it.
const DefaultFinishDelay = 500 * time.Millisecond

// ProgressTracker is the loading indicator state shared with the dashboard.
type ProgressTracker struct {
	finishDelay time.Duration

	mu        sync.Mutex
	state     ProgressState
	hideTimer *time.Timer
	listeners []ProgressListener
}

// NewProgressTracker creates an idle tracker. A negative delay hides immediately on Finish.
func NewProgressTracker(finishDelay time.Duration) *ProgressTracker {
	if finishDelay < 0 {
		finishDelay = 0
	}
	return &ProgressTracker{finishDelay: finishDelay}
}

// OnChange registers a listener.
func (p *ProgressTracker) OnChange(listener ProgressListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, listener)
}

// State returns the current snapshot.
func (p *ProgressTracker) State() ProgressState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start shows the indicator at 0%, cancelling a hide left over from a previous run.
func (p *ProgressTracker) Start() {
	p.Stop()
	p.set(func(s *ProgressState) {
		*s = ProgressState{Loading: true, Percent: 0, Message: "Carregando..."}
	})
}

// Update clamps percent into 0..100 and never moves the indicator backwards.
func (p *ProgressTracker) Update(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	p.set(func(s *ProgressState) {
		if percent > s.Percent {
			s.Percent = percent
		}
	})
}

// Finish jumps to 100% and hides the indicator after the finish delay.
func (p *ProgressTracker) Finish() {
	p.set(func(s *ProgressState) {
		s.Percent = 100
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hideTimer != nil {
		p.hideTimer.Stop()
	}
	p.hideTimer = time.AfterFunc(p.finishDelay, p.hide)
}

// Stop cancels a pending hide. Used on shutdown.
func (p *ProgressTracker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hideTimer != nil {
		p.hideTimer.Stop()
		p.hideTimer = nil
	}
}

func (p *ProgressTracker) hide() {
	p.set(func(s *ProgressState) {
		*s = ProgressState{}
	})
}

func (p *ProgressTracker) set(mutate func(*ProgressState)) {
	p.mu.Lock()
	if mutate != nil {
		mutate(&p.state)
	}
	state := p.state
	listeners := append([]ProgressListener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		l(state)
	}
}
