// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// LocalTrack is the capture-side track surface the router needs: something
// attachable to a peer connection that can also be stopped.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// Track wraps a local capture track with an enabled flag. The flag
// implements mute/camera-off semantics: the track keeps flowing to every
// peer connection that holds a sender for it, consumers check Enabled.
type Track struct {
	local   LocalTrack
	screen  bool
	enabled int32
}

func NewTrack(local LocalTrack) *Track {
	return &Track{
		local:   local,
		enabled: 1,
	}
}

func newScreenTrack(local LocalTrack) *Track {
	t := NewTrack(local)
	t.screen = true
	return t
}

func (t *Track) ID() string {
	return t.local.ID()
}

func (t *Track) Kind() webrtc.RTPCodecType {
	return t.local.Kind()
}

// IsScreen reports whether the track captures the display rather than a
// camera.
func (t *Track) IsScreen() bool {
	return t.screen
}

func (t *Track) Enabled() bool {
	return atomic.LoadInt32(&t.enabled) == 1
}

// SetEnabled toggles the track. Since the underlying track is shared by
// every peer connection, the change affects all peers at once.
func (t *Track) SetEnabled(enabled bool) {
	var v int32
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&t.enabled, v)
}

// Local returns the handle to attach to a peer connection.
func (t *Track) Local() webrtc.TrackLocal {
	return t.local
}

func (t *Track) Stop() error {
	return t.local.Close()
}
