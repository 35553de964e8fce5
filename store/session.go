// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/teleclinic/rtckit/signal"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	maxWriteRetries      = 4
	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = time.Second
)

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusPaused SessionStatus = "paused"
	SessionStatusEnded  SessionStatus = "ended"
)

// SessionState is the durable record of a session that survives a signaling
// disconnect. Exactly one record exists per (sessionID, userID) pair;
// re-initialization overwrites.
type SessionState struct {
	SessionID string        `msgpack:"session_id"`
	UserID    string        `msgpack:"user_id"`
	Status    SessionStatus `msgpack:"status"`

	// Participants believed present, with the last known states per
	// participant for diagnostics and UI.
	Participants []string          `msgpack:"participants"`
	ConnStates   map[string]string `msgpack:"conn_states,omitempty"`
	ICEStates    map[string]string `msgpack:"ice_states,omitempty"`

	// Signaling payloads that could not be sent while the transport was
	// unreachable, replayed in FIFO order on reconnect.
	PendingOffers     []signal.Message `msgpack:"pending_offers,omitempty"`
	PendingAnswers    []signal.Message `msgpack:"pending_answers,omitempty"`
	PendingCandidates []signal.Message `msgpack:"pending_candidates,omitempty"`
}

func NewSessionState(sessionID, userID string) SessionState {
	return SessionState{
		SessionID:  sessionID,
		UserID:     userID,
		Status:     SessionStatusActive,
		ConnStates: map[string]string{},
		ICEStates:  map[string]string{},
	}
}

func (st *SessionState) AddParticipant(id string) {
	for _, p := range st.Participants {
		if p == id {
			return
		}
	}
	st.Participants = append(st.Participants, id)
}

func (st *SessionState) RemoveParticipant(id string) {
	for i, p := range st.Participants {
		if p == id {
			st.Participants = append(st.Participants[:i], st.Participants[i+1:]...)
			break
		}
	}
	delete(st.ConnStates, id)
	delete(st.ICEStates, id)
}

func (st *SessionState) SetParticipantStates(id, connState, iceState string) {
	if st.ConnStates == nil {
		st.ConnStates = map[string]string{}
	}
	if st.ICEStates == nil {
		st.ICEStates = map[string]string{}
	}
	st.ConnStates[id] = connState
	st.ICEStates[id] = iceState
}

// Enqueue appends a message to the pending queue matching its type.
// Join/leave messages are not buffered: presence is re-established on
// reconnect instead.
func (st *SessionState) Enqueue(msg signal.Message) {
	switch msg.Type {
	case signal.MsgTypeOffer:
		st.PendingOffers = append(st.PendingOffers, msg)
	case signal.MsgTypeAnswer:
		st.PendingAnswers = append(st.PendingAnswers, msg)
	case signal.MsgTypeCandidate:
		st.PendingCandidates = append(st.PendingCandidates, msg)
	}
}

// Drain returns all pending messages in replay order and clears the queues.
func (st *SessionState) Drain() []signal.Message {
	msgs := make([]signal.Message, 0, len(st.PendingOffers)+len(st.PendingAnswers)+len(st.PendingCandidates))
	msgs = append(msgs, st.PendingOffers...)
	msgs = append(msgs, st.PendingAnswers...)
	msgs = append(msgs, st.PendingCandidates...)
	st.PendingOffers = nil
	st.PendingAnswers = nil
	st.PendingCandidates = nil
	return msgs
}

func (st SessionState) encode() (string, error) {
	data, err := msgpack.Marshal(&st)
	if err != nil {
		return "", fmt.Errorf("failed to encode session state: %w", err)
	}
	return string(data), nil
}

func decodeSessionState(data string) (SessionState, error) {
	var st SessionState
	if err := msgpack.Unmarshal([]byte(data), &st); err != nil {
		return SessionState{}, fmt.Errorf("failed to decode session state: %w", err)
	}
	return st, nil
}

// SessionStore persists SessionState records. Writes are retried with
// bounded exponential backoff; a persistence failure never aborts the live
// session, it is the caller's job to log and move on.
type SessionStore struct {
	kv  Store
	log mlog.LoggerIFace
}

func NewSessionStore(kv Store, log mlog.LoggerIFace) *SessionStore {
	return &SessionStore{
		kv:  kv,
		log: log,
	}
}

func sessionKey(sessionID, userID string) string {
	return "session/" + sessionID + "/" + userID
}

func newWriteBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	return backoff.WithMaxRetries(b, maxWriteRetries)
}

// Save upserts the record. At most one record exists per
// (sessionID, userID) pair, a re-save overwrites.
func (s *SessionStore) Save(st SessionState) error {
	if st.SessionID == "" || st.UserID == "" {
		return fmt.Errorf("invalid session state: missing ids")
	}

	data, err := st.encode()
	if err != nil {
		return err
	}

	key := sessionKey(st.SessionID, st.UserID)

	return backoff.Retry(func() error {
		return s.kv.Set(key, data)
	}, newWriteBackoff())
}

func (s *SessionStore) Load(sessionID, userID string) (SessionState, error) {
	data, err := s.kv.Get(sessionKey(sessionID, userID))
	if err != nil {
		return SessionState{}, err
	}
	return decodeSessionState(data)
}

func (s *SessionStore) Delete(sessionID, userID string) error {
	return backoff.Retry(func() error {
		return s.kv.Delete(sessionKey(sessionID, userID))
	}, newWriteBackoff())
}

// Update loads, mutates and saves the record for the given pair. A missing
// record starts from a fresh state.
func (s *SessionStore) Update(sessionID, userID string, f func(*SessionState)) error {
	st, err := s.Load(sessionID, userID)
	if errors.Is(err, ErrNotFound) {
		st = NewSessionState(sessionID, userID)
	} else if err != nil {
		return err
	}

	f(&st)

	return s.Save(st)
}
