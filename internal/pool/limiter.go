package pool

import (
	"sync"

	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

// Limiter tracks per-credential concurrency slots for image and video
// generation. Only credentials with a positive ceiling are tracked; an
// untracked id is unbounded and every check passes. Stored ceilings of zero
// or below mean "no limit".
type Limiter struct {
	mu    sync.Mutex
	image map[int64]int32
	video map[int64]int32
}

func NewLimiter() *Limiter {
	return &Limiter{
		image: make(map[int64]int32),
		video: make(map[int64]int32),
	}
}

// Seed loads counters from the stored ceilings of all credentials. Called
// once at startup before any traffic.
func (m *Limiter) Seed(credentials []pg.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range credentials {
		if c.ImageConcurrency > 0 {
			m.image[c.ID] = c.ImageConcurrency
		}
		if c.VideoConcurrency > 0 {
			m.video[c.ID] = c.VideoConcurrency
		}
	}
}

// CanUseImage reports whether id has a free image slot.
func (m *Limiter) CanUseImage(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining, tracked := m.image[id]
	return !tracked || remaining > 0
}

// CanUseVideo reports whether id has a free video slot.
func (m *Limiter) CanUseVideo(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining, tracked := m.video[id]
	return !tracked || remaining > 0
}

// AcquireImage takes an image slot. Always succeeds for untracked ids.
func (m *Limiter) AcquireImage(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining, tracked := m.image[id]
	if !tracked {
		return true
	}
	if remaining <= 0 {
		return false
	}
	m.image[id] = remaining - 1
	return true
}

// AcquireVideo takes a video slot. Always succeeds for untracked ids.
func (m *Limiter) AcquireVideo(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining, tracked := m.video[id]
	if !tracked {
		return true
	}
	if remaining <= 0 {
		return false
	}
	m.video[id] = remaining - 1
	return true
}

// ReleaseImage returns an image slot. No-op for untracked ids, safe to call
// from every cleanup path.
func (m *Limiter) ReleaseImage(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if remaining, tracked := m.image[id]; tracked {
		m.image[id] = remaining + 1
	}
}

// ReleaseVideo returns a video slot.
func (m *Limiter) ReleaseVideo(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if remaining, tracked := m.video[id]; tracked {
		m.video[id] = remaining + 1
	}
}

// ImageRemaining returns the free image slots. ok is false for unbounded ids.
func (m *Limiter) ImageRemaining(id int64) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining, tracked := m.image[id]
	return remaining, tracked
}

// VideoRemaining returns the free video slots. ok is false for unbounded ids.
func (m *Limiter) VideoRemaining(id int64) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining, tracked := m.video[id]
	return remaining, tracked
}

// Reset replaces the counters for id with fresh ceilings. In-flight holds
// are forgotten, which matches admin expectations: a limit change takes full
// effect immediately.
func (m *Limiter) Reset(id int64, imageCeiling, videoCeiling int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if imageCeiling > 0 {
		m.image[id] = imageCeiling
	} else {
		delete(m.image, id)
	}
	if videoCeiling > 0 {
		m.video[id] = videoCeiling
	} else {
		delete(m.video, id)
	}
}

// Forget drops all counters for a deleted credential.
func (m *Limiter) Forget(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.image, id)
	delete(m.video, id)
}
