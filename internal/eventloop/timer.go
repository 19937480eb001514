package eventloop

import "time"

// SingleTimer is a re-armable one-shot timer bound to a loop and a fixed
// delay. Starting it again replaces the previous callback. Use it only from
// the loop goroutine.
type SingleTimer struct {
	loop  *Loop
	delay time.Duration
	cur   *Timer
}

// NewSingleTimer creates an idle timer.
func NewSingleTimer(loop *Loop, delay time.Duration) *SingleTimer {
	return &SingleTimer{loop: loop, delay: delay}
}

// Delay returns the configured delay.
func (s *SingleTimer) Delay() time.Duration { return s.delay }

// Start arms the timer; fn runs on the loop after the delay.
func (s *SingleTimer) Start(fn func()) {
	s.Cancel()
	var t *Timer
	t = s.loop.AfterFunc(s.delay, func() {
		if s.cur == t {
			s.cur = nil
		}
		fn()
	})
	s.cur = t
}

// Cancel disarms the timer and reports whether a callback was pending.
func (s *SingleTimer) Cancel() bool {
	if s.cur == nil {
		return false
	}
	t := s.cur
	s.cur = nil
	return t.Stop()
}

// Armed reports whether a callback is pending.
func (s *SingleTimer) Armed() bool { return s.cur != nil }
