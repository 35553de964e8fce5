// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const DefaultAcquireTimeout = 10 * time.Second

var ErrNoLocalStream = errors.New("no local stream acquired")

// RTPHandler consumes packets pumped off a peer's remote track.
type RTPHandler func(peerID string, track *webrtc.TrackRemote, pkt *rtp.Packet)

// Router owns the local capture tracks and the remote tracks of every peer.
// The local tracks are shared read-only across peer connections, each peer
// adds its own sender referencing the same tracks. Remote tracks belong to
// exactly one peer, are drained by the router's pump and are discarded with
// the peer.
type Router struct {
	log            mlog.LoggerIFace
	dm             DeviceManager
	acquireTimeout time.Duration

	local      []*Track
	screens    []*Track
	remotes    map[string][]*webrtc.TrackRemote
	rtpHandler RTPHandler
	stopped    bool
	mut        sync.RWMutex
}

func NewRouter(log mlog.LoggerIFace, dm DeviceManager) (*Router, error) {
	if dm == nil {
		return nil, errors.New("dm should not be nil")
	}

	return &Router{
		log:            log,
		dm:             dm,
		acquireTimeout: DefaultAcquireTimeout,
		remotes:        make(map[string][]*webrtc.TrackRemote),
	}, nil
}

// AcquireLocal captures the local stream, replacing any previous one. The
// acquisition is bounded by the router's timeout on top of the caller's
// context.
func (r *Router) AcquireLocal(ctx context.Context, c Constraints) ([]*Track, error) {
	ctx, cancel := context.WithTimeout(ctx, r.acquireTimeout)
	defer cancel()

	tracks, err := r.dm.GetUserMedia(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire local stream: %w", err)
	}

	r.mut.Lock()
	old := r.local
	r.local = tracks
	r.stopped = false
	r.mut.Unlock()

	r.stopTracks(old)

	return tracks, nil
}

// LocalTracks returns the current local capture tracks, screen shares
// excluded.
func (r *Router) LocalTracks() []*Track {
	r.mut.RLock()
	defer r.mut.RUnlock()

	out := make([]*Track, len(r.local))
	copy(out, r.local)
	return out
}

// ScreenTracks returns the current display capture tracks.
func (r *Router) ScreenTracks() []*Track {
	r.mut.RLock()
	defer r.mut.RUnlock()

	out := make([]*Track, len(r.screens))
	copy(out, r.screens)
	return out
}

// ToggleVideo flips the enabled state of all local video tracks and returns
// the new state. The toggle affects every peer at once since tracks are
// shared.
func (r *Router) ToggleVideo() (bool, error) {
	return r.toggleKind(webrtc.RTPCodecTypeVideo)
}

// ToggleAudio flips the enabled state of all local audio tracks and returns
// the new state.
func (r *Router) ToggleAudio() (bool, error) {
	return r.toggleKind(webrtc.RTPCodecTypeAudio)
}

func (r *Router) toggleKind(kind webrtc.RTPCodecType) (bool, error) {
	r.mut.RLock()
	defer r.mut.RUnlock()

	var toggled []*Track
	for _, t := range r.local {
		if t.Kind() == kind {
			toggled = append(toggled, t)
		}
	}

	if len(toggled) == 0 {
		return false, ErrNoLocalStream
	}

	newState := !toggled[0].Enabled()
	for _, t := range toggled {
		t.SetEnabled(newState)
	}

	return newState, nil
}

// StartScreenShare captures the display. At most one screen capture is
// active at a time.
func (r *Router) StartScreenShare(ctx context.Context) ([]*Track, error) {
	r.mut.RLock()
	active := len(r.screens) > 0
	r.mut.RUnlock()
	if active {
		return nil, errors.New("screen share already active")
	}

	ctx, cancel := context.WithTimeout(ctx, r.acquireTimeout)
	defer cancel()

	tracks, err := r.dm.GetDisplayMedia(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire display stream: %w", err)
	}

	r.mut.Lock()
	r.screens = tracks
	r.mut.Unlock()

	return tracks, nil
}

func (r *Router) StopScreenShare() {
	r.mut.Lock()
	tracks := r.screens
	r.screens = nil
	r.mut.Unlock()

	r.stopTracks(tracks)
}

// ScreenSharing reports whether a display capture is active.
func (r *Router) ScreenSharing() bool {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return len(r.screens) > 0
}

// SwitchDevice re-acquires the local stream capturing the given kind from
// the given device, keeping the other kind's current constraints.
func (r *Router) SwitchDevice(ctx context.Context, kind DeviceKind, deviceID string) ([]*Track, error) {
	r.mut.RLock()
	var hasVideo, hasAudio bool
	for _, t := range r.local {
		switch t.Kind() {
		case webrtc.RTPCodecTypeVideo:
			hasVideo = true
		case webrtc.RTPCodecTypeAudio:
			hasAudio = true
		}
	}
	r.mut.RUnlock()

	if !hasVideo && !hasAudio {
		return nil, ErrNoLocalStream
	}

	c := Constraints{
		Video: hasVideo,
		Audio: hasAudio,
	}
	switch kind {
	case DeviceKindVideoInput:
		c.Video = true
		c.VideoDeviceID = deviceID
	case DeviceKindAudioInput:
		c.Audio = true
		c.AudioDeviceID = deviceID
	default:
		return nil, fmt.Errorf("invalid device kind %q", kind)
	}

	return r.AcquireLocal(ctx, c)
}

// OnRTPPacket registers the consumer of pumped remote track packets. Must be
// set before the first remote track arrives; packets read earlier are
// discarded.
func (r *Router) OnRTPPacket(h RTPHandler) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.rtpHandler = h
}

// AddRemoteTrack records an inbound track for the given peer and starts
// pumping its packets. The pump ends when the track's peer connection closes
// the underlying stream.
func (r *Router) AddRemoteTrack(peerID string, track *webrtc.TrackRemote) {
	r.mut.Lock()
	r.remotes[peerID] = append(r.remotes[peerID], track)
	r.mut.Unlock()

	if track != nil {
		go r.pumpRemote(peerID, track)
	}
}

// pumpRemote drains a remote track. Reading is required to keep the stream
// flowing even with no handler registered.
func (r *Router) pumpRemote(peerID string, track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debug("remote track read ended",
					mlog.String("peerID", peerID), mlog.String("trackID", track.ID()), mlog.Err(err))
			}
			return
		}

		r.mut.RLock()
		h := r.rtpHandler
		r.mut.RUnlock()

		if h != nil {
			h(peerID, track, pkt)
		}
	}
}

// RemoteTracks returns the inbound tracks of the given peer.
func (r *Router) RemoteTracks(peerID string) []*webrtc.TrackRemote {
	r.mut.RLock()
	defer r.mut.RUnlock()

	out := make([]*webrtc.TrackRemote, len(r.remotes[peerID]))
	copy(out, r.remotes[peerID])
	return out
}

// RemoveRemoteTracks discards all inbound tracks of the given peer. Called
// when the peer's record is closed.
func (r *Router) RemoveRemoteTracks(peerID string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	delete(r.remotes, peerID)
}

// StopAll stops every local capture track and forgets all remote tracks.
// It is idempotent.
func (r *Router) StopAll() {
	r.mut.Lock()
	if r.stopped && r.local == nil && r.screens == nil {
		r.mut.Unlock()
		return
	}
	local := r.local
	screens := r.screens
	r.local = nil
	r.screens = nil
	r.stopped = true
	r.remotes = make(map[string][]*webrtc.TrackRemote)
	r.mut.Unlock()

	r.stopTracks(local)
	r.stopTracks(screens)
}

func (r *Router) stopTracks(tracks []*Track) {
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			r.log.Error("failed to stop track", mlog.String("trackID", t.ID()), mlog.Err(err))
		}
	}
}
