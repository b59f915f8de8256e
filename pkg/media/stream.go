package media

import (
	"sync"
)

// Kind of local capture.
type Kind string

const (
	KindCamera  Kind = "camera"
	KindDisplay Kind = "display"
)

// LocalStream is a captured set of local tracks. Audio is nil for display
// captures.
type LocalStream struct {
	ID    string
	Kind  Kind
	Audio *GatedTrack
	Video *GatedTrack

	mu      sync.Mutex
	stopped bool
	ended   bool
	stopFns []func()
	onEnded []func()
	endedCh chan struct{}
	endOnce sync.Once
}

func NewLocalStream(id string, kind Kind, audio, video *GatedTrack) *LocalStream {
	return &LocalStream{
		ID:      id,
		Kind:    kind,
		Audio:   audio,
		Video:   video,
		endedCh: make(chan struct{}),
	}
}

// AddStopFunc registers a release hook for the underlying source.
func (s *LocalStream) AddStopFunc(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		go fn()
		return
	}
	s.stopFns = append(s.stopFns, fn)
}

// OnEnded registers fn to run once when the source ends on its own, for
// example when the capture device goes away. Stop does not fire it.
func (s *LocalStream) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = append(s.onEnded, fn)
}

// Ended is closed when the source ended or the stream was stopped.
func (s *LocalStream) Ended() <-chan struct{} { return s.endedCh }

// MarkEnded reports an external end of the source.
func (s *LocalStream) MarkEnded() {
	s.mu.Lock()
	if s.stopped || s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	callbacks := append([]func(){}, s.onEnded...)
	s.mu.Unlock()

	s.endOnce.Do(func() { close(s.endedCh) })
	for _, fn := range callbacks {
		fn()
	}
}

// Stop releases the underlying source. It is idempotent.
func (s *LocalStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	fns := s.stopFns
	s.stopFns = nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	s.endOnce.Do(func() { close(s.endedCh) })
}

func (s *LocalStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
