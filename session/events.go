// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package session

import (
	"errors"

	"github.com/teleclinic/rtckit/quality"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type EventHandler func(ctx any) error

type EventType string

const (
	// ConnectEvent fires once the signaling transport is up and the join has
	// been announced.
	ConnectEvent EventType = "Connect"
	// CloseEvent fires at the end of a Destroy.
	CloseEvent EventType = "Close"
	// ErrorEvent carries asynchronous failures that have no caller to return
	// to.
	ErrorEvent EventType = "Error"

	// PeerJoinEvent and PeerLeaveEvent track session membership. The event
	// context is the peer id.
	PeerJoinEvent  EventType = "PeerJoin"
	PeerLeaveEvent EventType = "PeerLeave"
	// PeerStateEvent carries an rtc.ConnState snapshot on every connection or
	// ICE state change.
	PeerStateEvent EventType = "PeerState"

	// RemoteTrackEvent carries a RemoteTrack as soon as inbound media
	// arrives.
	RemoteTrackEvent EventType = "RemoteTrack"
	// RTPPacketEvent carries an RTPPacket for every packet pumped off a
	// remote track. The client owns the track reads, consumers get the
	// packets through this event.
	RTPPacketEvent EventType = "RTPPacket"
	// QualityEvent carries a QualitySample on every monitor tick.
	QualityEvent EventType = "Quality"
	// RecoveryEvent carries the recovery.Result of a successful recovery.
	RecoveryEvent EventType = "Recovery"
)

func (e EventType) IsValid() bool {
	switch e {
	case ConnectEvent, CloseEvent, ErrorEvent,
		PeerJoinEvent, PeerLeaveEvent, PeerStateEvent,
		RemoteTrackEvent, RTPPacketEvent, QualityEvent, RecoveryEvent:
		return true
	default:
		return false
	}
}

var ErrAlreadySubscribed = errors.New("already subscribed")

// RemoteTrack is the context of a RemoteTrackEvent.
type RemoteTrack struct {
	PeerID string
	Track  *webrtc.TrackRemote
}

// RTPPacket is the context of an RTPPacketEvent.
type RTPPacket struct {
	PeerID string
	Track  *webrtc.TrackRemote
	Packet *rtp.Packet
}

// QualitySample is the context of a QualityEvent.
type QualitySample struct {
	PeerID string
	Sample quality.Sample
}
