// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

type MsgType string

const (
	MsgTypeOffer     MsgType = "offer"
	MsgTypeAnswer    MsgType = "answer"
	MsgTypeCandidate MsgType = "ice-candidate"
	MsgTypeJoin      MsgType = "join"
	MsgTypeLeave     MsgType = "leave"
)

func (t MsgType) IsValid() bool {
	switch t {
	case MsgTypeOffer, MsgTypeAnswer, MsgTypeCandidate, MsgTypeJoin, MsgTypeLeave:
		return true
	default:
		return false
	}
}

// StalenessWindow bounds the effect of signaling channel replay or backlog.
// Messages older than this at time of receipt are dropped.
const StalenessWindow = 30 * time.Second

// dedupKeyLen is the number of hex characters of the payload digest kept in
// the dedup key.
const dedupKeyLen = 16

// SessionDescription is the wire-safe form of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d SessionDescription) ToWebRTC() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
}

func NewSessionDescription(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

// ICECandidate is the wire-safe form of a trickled ICE candidate. An empty
// Candidate value signals end-of-candidates.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (c ICECandidate) ToInit() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func NewICECandidate(init webrtc.ICECandidateInit) ICECandidate {
	return ICECandidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

func (c ICECandidate) IsValid() error {
	if c.Candidate == "" {
		// end-of-candidates
		return nil
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(c.Candidate, "candidate:")); err != nil {
		return fmt.Errorf("failed to parse candidate: %w", err)
	}
	return nil
}

// Presence is the payload of join/leave messages.
type Presence struct {
	UserID string `json:"userId"`
}

// Message is the wire unit of the signaling protocol. Exactly one of SDP,
// Candidate or Presence is set, depending on Type.
type Message struct {
	Type      MsgType
	SDP       *SessionDescription
	Candidate *ICECandidate
	Presence  *Presence
	SenderID  string
	TargetID  string
	SessionID string
	Timestamp time.Time
}

type wireMessage struct {
	Type      MsgType         `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"senderId"`
	TargetID  string          `json:"targetId,omitempty"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
}

func (m Message) payload() (any, error) {
	switch m.Type {
	case MsgTypeOffer, MsgTypeAnswer:
		if m.SDP == nil {
			return nil, fmt.Errorf("missing session description for %q message", m.Type)
		}
		return m.SDP, nil
	case MsgTypeCandidate:
		if m.Candidate == nil {
			return nil, fmt.Errorf("missing candidate for %q message", m.Type)
		}
		return m.Candidate, nil
	case MsgTypeJoin, MsgTypeLeave:
		if m.Presence == nil {
			return nil, fmt.Errorf("missing presence for %q message", m.Type)
		}
		return m.Presence, nil
	default:
		return nil, fmt.Errorf("invalid message type %q", m.Type)
	}
}

func (m Message) MarshalJSON() ([]byte, error) {
	payload, err := m.payload()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return json.Marshal(wireMessage{
		Type:      m.Type,
		Payload:   data,
		SenderID:  m.SenderID,
		TargetID:  m.TargetID,
		SessionID: m.SessionID,
		Timestamp: m.Timestamp,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var wm wireMessage
	if err := json.Unmarshal(data, &wm); err != nil {
		return err
	}

	msg := Message{
		Type:      wm.Type,
		SenderID:  wm.SenderID,
		TargetID:  wm.TargetID,
		SessionID: wm.SessionID,
		Timestamp: wm.Timestamp,
	}

	switch wm.Type {
	case MsgTypeOffer, MsgTypeAnswer:
		var desc SessionDescription
		if err := json.Unmarshal(wm.Payload, &desc); err != nil {
			return fmt.Errorf("failed to unmarshal session description: %w", err)
		}
		msg.SDP = &desc
	case MsgTypeCandidate:
		var candidate ICECandidate
		if err := json.Unmarshal(wm.Payload, &candidate); err != nil {
			return fmt.Errorf("failed to unmarshal candidate: %w", err)
		}
		msg.Candidate = &candidate
	case MsgTypeJoin, MsgTypeLeave:
		var presence Presence
		if err := json.Unmarshal(wm.Payload, &presence); err != nil {
			return fmt.Errorf("failed to unmarshal presence: %w", err)
		}
		msg.Presence = &presence
	default:
		return fmt.Errorf("invalid message type %q", wm.Type)
	}

	*m = msg

	return nil
}

func (m Message) IsValid() error {
	if !m.Type.IsValid() {
		return fmt.Errorf("invalid message type %q", m.Type)
	}
	if m.SenderID == "" {
		return fmt.Errorf("invalid SenderID value: should not be empty")
	}
	if m.SessionID == "" {
		return fmt.Errorf("invalid SessionID value: should not be empty")
	}
	if _, err := m.payload(); err != nil {
		return err
	}
	if m.Candidate != nil {
		if err := m.Candidate.IsValid(); err != nil {
			return err
		}
	}
	return nil
}

// IsStale reports whether the message was created longer than
// StalenessWindow before now.
func (m Message) IsStale(now time.Time) bool {
	return now.Sub(m.Timestamp) > StalenessWindow
}

// IsForUs reports whether the message should be processed by the given
// participant of the given session. Messages with a target are ignored by
// everyone else; an absent target means broadcast.
func (m Message) IsForUs(sessionID, userID string) bool {
	if m.SessionID != sessionID {
		return false
	}
	if m.SenderID == userID {
		return false
	}
	return m.TargetID == "" || m.TargetID == userID
}

// DedupKey returns a content-based key identifying the message for
// exactly-once processing. The transport gives no ordering or delivery
// guarantees so the key hashes the payload rather than relying on sequence
// numbers.
func (m Message) DedupKey() string {
	payload, err := m.payload()
	if err != nil {
		return string(m.Type)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return string(m.Type)
	}
	sum := sha256.Sum256(data)
	return string(m.Type) + ":" + m.SenderID + ":" + hex.EncodeToString(sum[:])[:dedupKeyLen]
}

func newMessage(msgType MsgType, senderID, targetID, sessionID string) Message {
	return Message{
		Type:      msgType,
		SenderID:  senderID,
		TargetID:  targetID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}

func NewOfferMessage(desc webrtc.SessionDescription, senderID, targetID, sessionID string) Message {
	m := newMessage(MsgTypeOffer, senderID, targetID, sessionID)
	sd := NewSessionDescription(desc)
	m.SDP = &sd
	return m
}

func NewAnswerMessage(desc webrtc.SessionDescription, senderID, targetID, sessionID string) Message {
	m := newMessage(MsgTypeAnswer, senderID, targetID, sessionID)
	sd := NewSessionDescription(desc)
	m.SDP = &sd
	return m
}

func NewCandidateMessage(init webrtc.ICECandidateInit, senderID, targetID, sessionID string) Message {
	m := newMessage(MsgTypeCandidate, senderID, targetID, sessionID)
	c := NewICECandidate(init)
	m.Candidate = &c
	return m
}

func NewJoinMessage(senderID, sessionID string) Message {
	m := newMessage(MsgTypeJoin, senderID, "", sessionID)
	m.Presence = &Presence{UserID: senderID}
	return m
}

func NewLeaveMessage(senderID, sessionID string) Message {
	m := newMessage(MsgTypeLeave, senderID, "", sessionID)
	m.Presence = &Presence{UserID: senderID}
	return m
}
