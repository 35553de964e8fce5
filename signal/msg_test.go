// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(1)

	for _, tc := range []struct {
		name string
		msg  Message
	}{
		{
			name: "offer",
			msg: Message{
				Type:      MsgTypeOffer,
				SDP:       &SessionDescription{Type: "offer", SDP: "v=0\r\no=- 46117317 2 IN IP4 127.0.0.1\r\n"},
				SenderID:  "userA",
				TargetID:  "userB",
				SessionID: "s1",
				Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			},
		},
		{
			name: "answer with empty sdp",
			msg: Message{
				Type:      MsgTypeAnswer,
				SDP:       &SessionDescription{Type: "answer", SDP: ""},
				SenderID:  "userB",
				TargetID:  "userA",
				SessionID: "s1",
				Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			},
		},
		{
			name: "candidate",
			msg: Message{
				Type: MsgTypeCandidate,
				Candidate: &ICECandidate{
					Candidate:     "candidate:842163049 1 udp 1677729535 1.2.3.4 46154 typ srflx raddr 0.0.0.0 rport 0",
					SDPMid:        &mid,
					SDPMLineIndex: &idx,
				},
				SenderID:  "userA",
				TargetID:  "userB",
				SessionID: "s1",
				Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			},
		},
		{
			name: "end of candidates",
			msg: Message{
				Type:      MsgTypeCandidate,
				Candidate: &ICECandidate{Candidate: ""},
				SenderID:  "userA",
				SessionID: "s1",
				Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			},
		},
		{
			name: "join",
			msg: Message{
				Type:      MsgTypeJoin,
				Presence:  &Presence{UserID: "userA"},
				SenderID:  "userA",
				SessionID: "s1",
				Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			},
		},
		{
			name: "leave",
			msg: Message{
				Type:      MsgTypeLeave,
				Presence:  &Presence{UserID: "userA"},
				SenderID:  "userA",
				SessionID: "s1",
				Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.msg.IsValid())

			data, err := json.Marshal(tc.msg)
			require.NoError(t, err)

			var out Message
			require.NoError(t, json.Unmarshal(data, &out))
			require.True(t, tc.msg.Timestamp.Equal(out.Timestamp))
			out.Timestamp = tc.msg.Timestamp
			require.Equal(t, tc.msg, out)
		})
	}
}

func TestMessageWireShape(t *testing.T) {
	msg := NewJoinMessage("userA", "s1")
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	require.Equal(t, "join", wire["type"])
	require.Equal(t, "userA", wire["senderId"])
	require.Equal(t, "s1", wire["sessionId"])
	require.NotContains(t, wire, "targetId")
	require.Equal(t, map[string]any{"userId": "userA"}, wire["payload"])
}

func TestMessageIsValid(t *testing.T) {
	t.Run("invalid type", func(t *testing.T) {
		msg := Message{Type: "invalid", SenderID: "userA", SessionID: "s1"}
		require.Error(t, msg.IsValid())
	})

	t.Run("missing payload", func(t *testing.T) {
		msg := Message{Type: MsgTypeOffer, SenderID: "userA", SessionID: "s1"}
		require.Error(t, msg.IsValid())
	})

	t.Run("wrong payload shape cannot happen", func(t *testing.T) {
		// an offer with only a candidate payload fails validation
		msg := Message{
			Type:      MsgTypeOffer,
			Candidate: &ICECandidate{Candidate: ""},
			SenderID:  "userA",
			SessionID: "s1",
		}
		require.Error(t, msg.IsValid())
	})

	t.Run("malformed candidate", func(t *testing.T) {
		msg := NewCandidateMessage(webrtc.ICECandidateInit{Candidate: "candidate:not a candidate"}, "userA", "userB", "s1")
		require.Error(t, msg.IsValid())
	})
}

func TestMessageIsStale(t *testing.T) {
	now := time.Now()

	msg := NewJoinMessage("userA", "s1")
	require.False(t, msg.IsStale(now))

	msg.Timestamp = now.Add(-29 * time.Second)
	require.False(t, msg.IsStale(now))

	msg.Timestamp = now.Add(-31 * time.Second)
	require.True(t, msg.IsStale(now))
}

func TestMessageIsForUs(t *testing.T) {
	msg := NewCandidateMessage(webrtc.ICECandidateInit{}, "userA", "userB", "s1")

	require.True(t, msg.IsForUs("s1", "userB"))
	require.False(t, msg.IsForUs("s1", "userC"), "targeted message must be ignored by everyone else")
	require.False(t, msg.IsForUs("s2", "userB"), "mismatched session id must be rejected")
	require.False(t, msg.IsForUs("s1", "userA"), "own messages are not processed")

	broadcast := NewJoinMessage("userA", "s1")
	require.True(t, broadcast.IsForUs("s1", "userB"))
	require.True(t, broadcast.IsForUs("s1", "userC"))
}

func TestSessionDescriptionConversion(t *testing.T) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	sd := NewSessionDescription(desc)
	require.Equal(t, desc, sd.ToWebRTC())
}

func TestICECandidateConversion(t *testing.T) {
	mid := "audio"
	idx := uint16(0)
	init := webrtc.ICECandidateInit{
		Candidate:     "candidate:2 1 UDP 1694498815 10.0.0.1 53922 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	c := NewICECandidate(init)
	require.NoError(t, c.IsValid())
	require.Equal(t, init, c.ToInit())
}

func TestDedupKey(t *testing.T) {
	t.Run("identical messages share a key", func(t *testing.T) {
		a := NewJoinMessage("userA", "s1")
		b := NewJoinMessage("userA", "s1")
		require.Equal(t, a.DedupKey(), b.DedupKey())
	})

	t.Run("different payloads differ", func(t *testing.T) {
		a := NewOfferMessage(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "a"}, "userA", "userB", "s1")
		b := NewOfferMessage(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "b"}, "userA", "userB", "s1")
		require.NotEqual(t, a.DedupKey(), b.DedupKey())
	})

	t.Run("different senders differ", func(t *testing.T) {
		a := NewJoinMessage("userA", "s1")
		b := NewJoinMessage("userB", "s1")
		require.NotEqual(t, a.DedupKey(), b.DedupKey())
	})

	t.Run("type is part of the key", func(t *testing.T) {
		join := NewJoinMessage("userA", "s1")
		leave := NewLeaveMessage("userA", "s1")
		require.NotEqual(t, join.DedupKey(), leave.DedupKey())
	})
}
