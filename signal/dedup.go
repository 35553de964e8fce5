// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"sync"
	"time"
)

const defaultDeduperSize = 1024

// Deduper tracks content keys of processed messages so that transport
// redeliveries become no-ops. Entries expire with the staleness window since
// anything older is rejected upstream anyway.
type Deduper struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	seen map[string]time.Time
	mut  sync.Mutex
}

func NewDeduper() *Deduper {
	return &Deduper{
		maxSize: defaultDeduperSize,
		ttl:     StalenessWindow,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// Observe records the given key and reports whether it was seen for the
// first time.
func (d *Deduper) Observe(key string) bool {
	d.mut.Lock()
	defer d.mut.Unlock()

	now := d.now()

	if ts, ok := d.seen[key]; ok && now.Sub(ts) <= d.ttl {
		return false
	}

	if len(d.seen) >= d.maxSize {
		d.evict(now)
	}

	d.seen[key] = now

	return true
}

// evict drops expired entries, falling back to dropping the oldest entry if
// nothing has expired yet. Caller must hold the lock.
func (d *Deduper) evict(now time.Time) {
	var oldestKey string
	var oldestTS time.Time
	for k, ts := range d.seen {
		if now.Sub(ts) > d.ttl {
			delete(d.seen, k)
			continue
		}
		if oldestKey == "" || ts.Before(oldestTS) {
			oldestKey = k
			oldestTS = ts
		}
	}
	if len(d.seen) >= d.maxSize && oldestKey != "" {
		delete(d.seen, oldestKey)
	}
}

func (d *Deduper) Len() int {
	d.mut.Lock()
	defer d.mut.Unlock()
	return len(d.seen)
}
