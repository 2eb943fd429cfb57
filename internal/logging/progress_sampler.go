package logging

// ProgressSampler throttles percent-based progress reports from external
// tools. A report passes when it lands in a higher bucket than the last one
// that passed; completion (100%) always passes once.
type ProgressSampler struct {
	step   float64
	last   int
	closed bool
}

// NewProgressSampler builds a sampler with the given bucket width in percent
// (default 5).
func NewProgressSampler(step float64) *ProgressSampler {
	if step <= 0 {
		step = 5
	}
	return &ProgressSampler{step: step, last: -1}
}

// Allow reports whether percent should be forwarded. Negative or NaN values
// (unknown progress) are never forwarded.
func (s *ProgressSampler) Allow(percent float64) bool {
	if s == nil {
		return true
	}
	if percent != percent || percent < 0 || s.closed {
		return false
	}
	if percent >= 100 {
		s.closed = true
		return true
	}
	bucket := int(percent / s.step)
	if bucket <= s.last {
		return false
	}
	s.last = bucket
	return true
}

// Reset clears sampler state so a new phase starts reporting from zero.
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.last = -1
	s.closed = false
}
