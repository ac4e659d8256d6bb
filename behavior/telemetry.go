package behavior

import (
	"math"
	"time"
)

const (
	keystrokeRing = 10
	// minKeystrokes is the smallest sample that says anything about rhythm.
	minKeystrokes = 3
	// deviationScale normalizes interval variance (ms^2) into [0,1].
	deviationScale = 50000
)

// RecordKeystroke notes a key press at the given time. Only the last ten
// are kept.
func (m *Monitor) RecordKeystroke(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keystrokes = append(m.keystrokes, at)
	if len(m.keystrokes) > keystrokeRing {
		m.keystrokes = m.keystrokes[len(m.keystrokes)-keystrokeRing:]
	}
}

// RecordMouseMove counts one mouse movement.
func (m *Monitor) RecordMouseMove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mouseMoves++
}

// RecordClick counts one click.
func (m *Monitor) RecordClick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clicks++
}

// Reset clears all telemetry and restarts the session duration, as a full
// page reload does.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keystrokes = nil
	m.mouseMoves = 0
	m.clicks = 0
	m.score = baseScore
	m.startedAt = m.clock.Now()
}

// Counters returns the mouse-move and click counts.
func (m *Monitor) Counters() (mouseMoves, clicks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mouseMoves, m.clicks
}

// intervalVarianceLocked returns the population variance of keystroke
// intervals in ms^2 and whether there were enough keystrokes.
func (m *Monitor) intervalVarianceLocked() (float64, bool) {
	if len(m.keystrokes) < minKeystrokes {
		return 0, false
	}
	intervals := make([]float64, 0, len(m.keystrokes)-1)
	for i := 1; i < len(m.keystrokes); i++ {
		intervals = append(intervals, float64(m.keystrokes[i].Sub(m.keystrokes[i-1]).Milliseconds()))
	}
	var mean float64
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))
	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	return variance / float64(len(intervals)), true
}

// TypingDeviation returns the keystroke interval variance normalized to
// [0,1]. With fewer than three keystrokes it is 0.
func (m *Monitor) TypingDeviation() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.intervalVarianceLocked()
	if !ok {
		return 0
	}
	return math.Min(1, math.Max(0, v/deviationScale))
}

const baseScore = 50

// ComputeBehavioralScore recomputes the 0-100 trust score from typing
// rhythm, mouse activity and session duration, caches it and returns it.
func (m *Monitor) ComputeBehavioralScore() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	score := float64(baseScore)
	if v, ok := m.intervalVarianceLocked(); ok {
		switch {
		case v < 10000:
			score += 15
		case v < 50000:
			score += 10
		default:
			score -= 10
		}
	}

	elapsed := m.clock.Since(m.startedAt)
	expected := math.Max(1, elapsed.Seconds())
	score += math.Min(15, float64(m.mouseMoves)/expected*15)

	if elapsed >= 5*time.Minute {
		score += 10
	}
	if elapsed >= 15*time.Minute {
		score += 5
	}

	m.score = int(math.Round(math.Min(100, math.Max(0, score))))
	return m.score
}

// Score returns the last computed behavioral score.
func (m *Monitor) Score() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.score
}

// SessionDuration returns the time since monitoring started.
func (m *Monitor) SessionDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Since(m.startedAt)
}
