// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package quality

import (
	"sync"
)

// ring is a fixed-size buffer of history samples. Once full, new samples
// overwrite the oldest.
type ring struct {
	samples []HistorySample
	ptr     int
	full    bool
	mut     sync.RWMutex
}

func newRing(size int) *ring {
	if size < 1 {
		size = 1
	}
	return &ring{
		samples: make([]HistorySample, size),
	}
}

func (r *ring) Add(s HistorySample) {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.samples[r.ptr] = s
	r.ptr = (r.ptr + 1) % len(r.samples)
	if r.ptr == 0 {
		r.full = true
	}
}

func (r *ring) Len() int {
	r.mut.RLock()
	defer r.mut.RUnlock()

	if r.full {
		return len(r.samples)
	}
	return r.ptr
}

// Items returns the retained samples ordered oldest first.
func (r *ring) Items() []HistorySample {
	r.mut.RLock()
	defer r.mut.RUnlock()

	if !r.full {
		out := make([]HistorySample, r.ptr)
		copy(out, r.samples[:r.ptr])
		return out
	}

	out := make([]HistorySample, 0, len(r.samples))
	out = append(out, r.samples[r.ptr:]...)
	out = append(out, r.samples[:r.ptr]...)
	return out
}

func (r *ring) Latest() (HistorySample, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()

	if r.ptr == 0 && !r.full {
		return HistorySample{}, false
	}

	idx := (r.ptr - 1 + len(r.samples)) % len(r.samples)
	return r.samples[idx], true
}
