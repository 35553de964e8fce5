// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package session

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teleclinic/rtckit/media"
	"github.com/teleclinic/rtckit/rtc"
	"github.com/teleclinic/rtckit/signal"
	"github.com/teleclinic/rtckit/store"
	"github.com/teleclinic/rtckit/transport"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type fakeDeviceManager struct {
	devices []media.DeviceInfo
}

func (m *fakeDeviceManager) EnumerateDevices(_ context.Context) ([]media.DeviceInfo, error) {
	return m.devices, nil
}

func (m *fakeDeviceManager) GetUserMedia(_ context.Context, _ media.Constraints) ([]*media.Track, error) {
	return nil, nil
}

func (m *fakeDeviceManager) GetDisplayMedia(_ context.Context) ([]*media.Track, error) {
	return nil, nil
}

func newTestLogger(t *testing.T) *mlog.Logger {
	t.Helper()

	log, err := mlog.NewLogger()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, log.Shutdown())
	})

	return log
}

func newTestClient(t *testing.T, hub *transport.MemoryHub, sessionID, userID string, opts ...Option) *Client {
	t.Helper()

	opts = append([]Option{
		WithLogger(newTestLogger(t)),
		WithTransport(hub.NewClient(sessionID, userID)),
		WithDeviceManager(&fakeDeviceManager{}),
	}, opts...)

	c, err := New(Config{SessionID: sessionID, UserID: userID}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Destroy())
	})

	return c
}

// makeOffer produces a real offer from the given sender towards the given
// target, usable as inbound signaling in tests.
func makeOffer(t *testing.T, senderID, targetID, sessionID string) signal.Message {
	t.Helper()

	log := newTestLogger(t)
	m, err := rtc.NewManager(log, rtc.Config{}, senderID, sessionID, nil)
	require.NoError(t, err)
	t.Cleanup(m.CloseAll)

	p, created, err := m.EnsurePeer(targetID)
	require.NoError(t, err)
	require.True(t, created)

	offer, err := p.CreateOffer()
	require.NoError(t, err)

	return signal.NewOfferMessage(offer.ToWebRTC(), senderID, targetID, sessionID)
}

func TestNewClient(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		_, err := New(Config{})
		require.Error(t, err)
	})

	t.Run("no transport configured", func(t *testing.T) {
		_, err := New(Config{SessionID: "s1", UserID: "userA"},
			WithLogger(newTestLogger(t)),
			WithDeviceManager(&fakeDeviceManager{}))
		require.EqualError(t, err, "no transport: set Signaling.URL or inject one")
	})

	t.Run("valid", func(t *testing.T) {
		hub := transport.NewMemoryHub()
		c := newTestClient(t, hub, "s1", "userA")
		require.NotNil(t, c)
	})

	t.Run("event subscription", func(t *testing.T) {
		hub := transport.NewMemoryHub()
		c := newTestClient(t, hub, "s1", "userA")

		require.Error(t, c.On("NotAnEvent", func(_ any) error { return nil }))
		require.NoError(t, c.On(ConnectEvent, func(_ any) error { return nil }))
		err := c.On(ConnectEvent, func(_ any) error { return nil })
		require.ErrorIs(t, err, ErrAlreadySubscribed)
	})
}

func TestClientDuplicateOffer(t *testing.T) {
	hub := transport.NewMemoryHub()
	c := newTestClient(t, hub, "s1", "userA")
	require.NoError(t, c.Connect(context.Background()))

	spy := hub.NewClient("s1", "userZ")
	require.NoError(t, spy.Connect(context.Background()))
	defer spy.Disconnect()

	offer := makeOffer(t, "userZ", "userA", "s1")
	require.NoError(t, spy.Send(offer))
	require.NoError(t, spy.Send(offer))

	var answers int
	deadline := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case msg := <-spy.ReceiveCh():
			if msg.Type == signal.MsgTypeAnswer {
				answers++
			}
		case <-deadline:
			done = true
		}
	}

	require.Equal(t, 1, answers)
	require.True(t, c.Negotiated("userZ"))
}

func TestClientStaleRejection(t *testing.T) {
	hub := transport.NewMemoryHub()
	c := newTestClient(t, hub, "s1", "userA")
	require.NoError(t, c.Connect(context.Background()))

	spy := hub.NewClient("s1", "userZ")
	require.NoError(t, spy.Connect(context.Background()))
	defer spy.Disconnect()

	candidate := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	}

	stale := signal.NewCandidateMessage(candidate, "userZ", "userA", "s1")
	stale.Timestamp = time.Now().Add(-time.Minute)
	require.NoError(t, spy.Send(stale))

	time.Sleep(300 * time.Millisecond)
	require.Empty(t, c.Peers())

	fresh := signal.NewCandidateMessage(candidate, "userZ", "userA", "s1")
	require.NoError(t, spy.Send(fresh))

	require.Eventually(t, func() bool {
		return len(c.Peers()) == 1
	}, 2*time.Second, 50*time.Millisecond)
}

func TestClientPresencePipeline(t *testing.T) {
	hub := transport.NewMemoryHub()
	c := newTestClient(t, hub, "s1", "userA")

	var leaves int32
	require.NoError(t, c.On(PeerLeaveEvent, func(_ any) error {
		atomic.AddInt32(&leaves, 1)
		return nil
	}))

	require.NoError(t, c.Connect(context.Background()))

	spy := hub.NewClient("s1", "userZ")
	require.NoError(t, spy.Connect(context.Background()))
	defer spy.Disconnect()

	require.NoError(t, spy.Send(signal.NewJoinMessage("userZ", "s1")))
	require.Eventually(t, func() bool {
		return len(c.Peers()) == 1
	}, 2*time.Second, 50*time.Millisecond)

	t.Run("stale leave is ignored", func(t *testing.T) {
		stale := signal.NewLeaveMessage("userZ", "s1")
		stale.Timestamp = time.Now().Add(-time.Minute)
		require.NoError(t, spy.Send(stale))

		time.Sleep(300 * time.Millisecond)
		require.Len(t, c.Peers(), 1)
		require.Zero(t, atomic.LoadInt32(&leaves))
	})

	t.Run("duplicate leave is processed once", func(t *testing.T) {
		leave := signal.NewLeaveMessage("userZ", "s1")
		require.NoError(t, spy.Send(leave))
		require.NoError(t, spy.Send(leave))

		require.Eventually(t, func() bool {
			return len(c.Peers()) == 0
		}, 2*time.Second, 50*time.Millisecond)

		time.Sleep(300 * time.Millisecond)
		require.Equal(t, int32(1), atomic.LoadInt32(&leaves))
	})
}

func TestClientEndToEnd(t *testing.T) {
	hub := transport.NewMemoryHub()

	spy := hub.NewClient("s1", "observer")
	require.NoError(t, spy.Connect(context.Background()))
	defer spy.Disconnect()

	a := newTestClient(t, hub, "s1", "userA")
	z := newTestClient(t, hub, "s1", "userZ")

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, z.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return a.Negotiated("userZ") && z.Negotiated("userA")
	}, 10*time.Second, 100*time.Millisecond)

	// The greater id side must have made the one and only offer.
	for drained := false; !drained; {
		select {
		case msg := <-spy.ReceiveCh():
			if msg.Type == signal.MsgTypeOffer {
				require.Equal(t, "userZ", msg.SenderID)
				require.Equal(t, "userA", msg.TargetID)
			}
		default:
			drained = true
		}
	}

	stA, ok := a.PeerState("userZ")
	require.True(t, ok)
	require.Equal(t, signal.StateStable, stA.SignalingState)

	stZ, ok := z.PeerState("userA")
	require.True(t, ok)
	require.Equal(t, signal.StateStable, stZ.SignalingState)
}

func TestClientInitiateCall(t *testing.T) {
	hub := transport.NewMemoryHub()

	a := newTestClient(t, hub, "s1", "userA")
	z := newTestClient(t, hub, "s1", "userZ")

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, z.Connect(context.Background()))

	require.NoError(t, z.InitiateCall(context.Background(), "userA"))
	require.True(t, z.Negotiated("userA"))
}

func TestClientDestroy(t *testing.T) {
	t.Run("before connect", func(t *testing.T) {
		hub := transport.NewMemoryHub()
		c := newTestClient(t, hub, "s1", "userA")
		require.NoError(t, c.Destroy())
		require.NoError(t, c.Destroy())
	})

	t.Run("twice after connect", func(t *testing.T) {
		hub := transport.NewMemoryHub()
		c := newTestClient(t, hub, "s1", "userA")
		require.NoError(t, c.Connect(context.Background()))

		var closes int
		require.NoError(t, c.On(CloseEvent, func(_ any) error {
			closes++
			return nil
		}))

		require.NoError(t, c.Destroy())
		require.NoError(t, c.Destroy())
		require.Equal(t, 1, closes)
		require.Empty(t, c.Peers())
	})

	t.Run("peers torn down", func(t *testing.T) {
		hub := transport.NewMemoryHub()
		a := newTestClient(t, hub, "s1", "userA")
		z := newTestClient(t, hub, "s1", "userZ")

		require.NoError(t, a.Connect(context.Background()))
		require.NoError(t, z.Connect(context.Background()))

		require.Eventually(t, func() bool {
			return a.Negotiated("userZ") && z.Negotiated("userA")
		}, 10*time.Second, 100*time.Millisecond)

		require.NoError(t, a.Destroy())
		require.Empty(t, a.Peers())
	})

	t.Run("no monitor after teardown", func(t *testing.T) {
		hub := transport.NewMemoryHub()
		c := newTestClient(t, hub, "s1", "userA")
		require.NoError(t, c.Connect(context.Background()))

		p, _, err := c.rtcm.EnsurePeer("userB")
		require.NoError(t, err)

		require.NoError(t, c.Destroy())

		// a message still draining during teardown cannot register a new
		// monitor whose sample pump nobody would ever stop
		c.startMonitor(p)

		c.mut.RLock()
		defer c.mut.RUnlock()
		require.Empty(t, c.monitors)
	})
}

func TestClientPendingReplay(t *testing.T) {
	hub := transport.NewMemoryHub()
	log := newTestLogger(t)

	kv, err := store.New(filepath.Join(t.TempDir(), "kv"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, kv.Close())
	})

	candidate := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	}
	pending := signal.NewCandidateMessage(candidate, "userA", "userB", "s1")
	pending.Timestamp = time.Now().Add(-time.Hour)

	sessions := store.NewSessionStore(kv, log)
	require.NoError(t, sessions.Update("s1", "userA", func(st *store.SessionState) {
		st.Enqueue(pending)
	}))

	spy := hub.NewClient("s1", "userB")
	require.NoError(t, spy.Connect(context.Background()))
	defer spy.Disconnect()

	c := newTestClient(t, hub, "s1", "userA", WithStore(kv))
	require.NoError(t, c.Connect(context.Background()))

	select {
	case msg := <-spy.ReceiveCh():
		require.Equal(t, signal.MsgTypeCandidate, msg.Type)
		require.Equal(t, "userA", msg.SenderID)
		// replay refreshes the timestamp so the receiver does not reject it
		require.False(t, msg.IsStale(time.Now()))
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for replayed message")
	}

	st, err := sessions.Load("s1", "userA")
	require.NoError(t, err)
	require.Empty(t, st.PendingCandidates)
}
