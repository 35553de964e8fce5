// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package transport

import (
	"context"
	"errors"

	"github.com/teleclinic/rtckit/signal"
)

// Delivery is best effort: at most once per attempt, no ordering guarantee,
// nothing is delivered while the local process is offline. Callers own
// queuing for replay.
var (
	ErrNotConnected = errors.New("transport is not connected")
	ErrRateLimited  = errors.New("send rate limit exceeded")
)

type PresenceEventType string

const (
	PresenceJoined PresenceEventType = "joined"
	PresenceLeft   PresenceEventType = "left"
)

// PresenceEvent reports a participant joining or leaving the session topic.
// Msg is the originating signaling message so receivers can run the same
// staleness and duplicate checks as for any other message.
type PresenceEvent struct {
	Type   PresenceEventType
	UserID string
	Msg    signal.Message
}

// Transport is the pub/sub signaling channel of one session. All session
// participants subscribe to the same topic, derived from the session id.
// Signaling payloads arrive on ReceiveCh, join/leave presence on
// PresenceCh. Send never panics while disconnected, it returns an error and
// the caller queues the message for replay.
type Transport interface {
	Connect(ctx context.Context) error
	Send(msg signal.Message) error
	ReceiveCh() <-chan signal.Message
	PresenceCh() <-chan PresenceEvent
	Connected() bool
	Disconnect() error
}

// SessionTopic returns the pub/sub topic of a session. One topic per
// session id.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// routePresence translates join/leave messages into presence events.
// Returns false for any other message type.
func routePresence(msg signal.Message) (PresenceEvent, bool) {
	if msg.Presence == nil {
		return PresenceEvent{}, false
	}

	switch msg.Type {
	case signal.MsgTypeJoin:
		return PresenceEvent{Type: PresenceJoined, UserID: msg.Presence.UserID, Msg: msg}, true
	case signal.MsgTypeLeave:
		return PresenceEvent{Type: PresenceLeft, UserID: msg.Presence.UserID, Msg: msg}, true
	default:
		return PresenceEvent{}, false
	}
}
