// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"testing"

	"github.com/teleclinic/rtckit/signal"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, selfID string, cfg Config) *Manager {
	t.Helper()

	log, err := mlog.NewLogger()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, log.Shutdown())
	})

	m, err := NewManager(log, cfg, selfID, "sessionID", nil)
	require.NoError(t, err)
	require.NotNil(t, m)
	t.Cleanup(m.CloseAll)

	return m
}

func TestNewManager(t *testing.T) {
	log, err := mlog.NewLogger()
	require.NoError(t, err)
	defer func() {
		require.NoError(t, log.Shutdown())
	}()

	t.Run("empty selfID", func(t *testing.T) {
		_, err := NewManager(log, Config{}, "", "sessionID", nil)
		require.EqualError(t, err, "selfID should not be empty")
	})

	t.Run("empty sessionID", func(t *testing.T) {
		_, err := NewManager(log, Config{}, "userA", "", nil)
		require.EqualError(t, err, "sessionID should not be empty")
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := Config{
			ICEServers: ICEServers{
				ICEServerConfig{URLs: []string{"not-a-uri"}},
			},
		}
		_, err := NewManager(log, cfg, "userA", "sessionID", nil)
		require.Error(t, err)
	})

	t.Run("valid", func(t *testing.T) {
		m, err := NewManager(log, Config{}, "userA", "sessionID", nil)
		require.NoError(t, err)
		require.NotNil(t, m)
		m.CloseAll()
	})
}

func TestManagerEnsurePeer(t *testing.T) {
	m := newTestManager(t, "userA", Config{})

	t.Run("empty peerID", func(t *testing.T) {
		_, _, err := m.EnsurePeer("")
		require.Error(t, err)
	})

	t.Run("self peerID", func(t *testing.T) {
		_, _, err := m.EnsurePeer("userA")
		require.EqualError(t, err, "peerID should differ from selfID")
	})

	t.Run("creates on first use", func(t *testing.T) {
		p, created, err := m.EnsurePeer("userB")
		require.NoError(t, err)
		require.True(t, created)
		require.NotNil(t, p)
		require.Equal(t, "userB", p.ID())
		require.Equal(t, signal.StateStable, p.Guard().State())

		p2, created, err := m.EnsurePeer("userB")
		require.NoError(t, err)
		require.False(t, created)
		require.Same(t, p, p2)

		require.ElementsMatch(t, []string{"userB"}, m.Peers())
	})

	t.Run("after close", func(t *testing.T) {
		m := newTestManager(t, "userA", Config{})
		m.CloseAll()
		_, _, err := m.EnsurePeer("userB")
		require.ErrorIs(t, err, ErrManagerClosed)
	})
}

func TestManagerHandshake(t *testing.T) {
	managerZ := newTestManager(t, "userZ", Config{})
	managerA := newTestManager(t, "userA", Config{})

	peerOfZ, _, err := managerZ.EnsurePeer("userA")
	require.NoError(t, err)
	peerOfA, _, err := managerA.EnsurePeer("userZ")
	require.NoError(t, err)

	// userZ has the greater id so it creates the offer.
	require.True(t, peerOfZ.ShouldOffer())
	require.False(t, peerOfA.ShouldOffer())

	offer, err := peerOfZ.CreateOffer()
	require.NoError(t, err)
	require.Equal(t, "offer", offer.Type)
	require.NotEmpty(t, offer.SDP)
	require.Equal(t, signal.StateHaveLocalOffer, peerOfZ.Guard().State())

	answer, err := peerOfA.HandleOffer(offer)
	require.NoError(t, err)
	require.Equal(t, "answer", answer.Type)
	require.NotEmpty(t, answer.SDP)
	require.Equal(t, signal.StateStable, peerOfA.Guard().State())

	require.NoError(t, peerOfZ.HandleAnswer(answer))
	require.Equal(t, signal.StateStable, peerOfZ.Guard().State())

	t.Run("duplicate answer dropped", func(t *testing.T) {
		err := peerOfZ.HandleAnswer(answer)
		require.ErrorIs(t, err, signal.ErrIllegalTransition)
	})

	t.Run("offer while waiting for answer", func(t *testing.T) {
		offer, err := peerOfZ.CreateOffer()
		require.NoError(t, err)
		_, err = peerOfZ.HandleOffer(offer)
		require.ErrorIs(t, err, signal.ErrIllegalTransition)
	})
}

func TestManagerCandidates(t *testing.T) {
	managerZ := newTestManager(t, "userZ", Config{})
	managerA := newTestManager(t, "userA", Config{})

	peerOfZ, _, err := managerZ.EnsurePeer("userA")
	require.NoError(t, err)
	peerOfA, _, err := managerA.EnsurePeer("userZ")
	require.NoError(t, err)

	candidate := signal.ICECandidate{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	}

	// No remote description yet, the candidate gets queued.
	require.NoError(t, peerOfA.AddCandidate(candidate))

	offer, err := peerOfZ.CreateOffer()
	require.NoError(t, err)
	_, err = peerOfA.HandleOffer(offer)
	require.NoError(t, err)

	// Remote description applied, candidates now apply directly.
	require.NoError(t, peerOfA.AddCandidate(candidate))

	t.Run("queue bound", func(t *testing.T) {
		p, _, err := managerZ.EnsurePeer("userB")
		require.NoError(t, err)

		for i := 0; i < iceChSize; i++ {
			require.NoError(t, p.AddCandidate(candidate))
		}
		err = p.AddCandidate(candidate)
		require.Error(t, err)
	})
}

func TestManagerRemovePeer(t *testing.T) {
	m := newTestManager(t, "userA", Config{})

	t.Run("unknown peer", func(t *testing.T) {
		require.NoError(t, m.RemovePeer("userB"))
	})

	t.Run("closes and discards", func(t *testing.T) {
		p, _, err := m.EnsurePeer("userB")
		require.NoError(t, err)

		require.NoError(t, m.RemovePeer("userB"))
		require.Nil(t, m.GetPeer("userB"))
		require.Equal(t, signal.StateClosed, p.Guard().State())

		_, err = p.CreateOffer()
		require.ErrorIs(t, err, ErrPeerClosed)
	})
}

func TestManagerCloseAll(t *testing.T) {
	m := newTestManager(t, "userA", Config{})

	p, _, err := m.EnsurePeer("userB")
	require.NoError(t, err)

	m.CloseAll()
	m.CloseAll()

	require.Empty(t, m.Peers())
	require.Equal(t, signal.StateClosed, p.Guard().State())
	require.NoError(t, p.Close())
}

func TestGenICEServers(t *testing.T) {
	stunCfg := ICEServerConfig{URLs: []string{"stun:stun.example.com:3478"}}
	turnCfg := ICEServerConfig{URLs: []string{"turn:turn.example.com:3478"}}

	t.Run("no TURN secret degrades to STUN only", func(t *testing.T) {
		m := newTestManager(t, "userA", Config{
			ICEServers: ICEServers{stunCfg, turnCfg},
		})

		servers := m.genICEServers()
		require.Len(t, servers, 1)
		require.Equal(t, stunCfg.URLs, servers[0].URLs)
	})

	t.Run("TURN credentials generated", func(t *testing.T) {
		m := newTestManager(t, "userA", Config{
			ICEServers: ICEServers{stunCfg, turnCfg},
			TURNConfig: TURNConfig{
				StaticAuthSecret:             "secret",
				CredentialsExpirationMinutes: 1440,
			},
		})

		servers := m.genICEServers()
		require.Len(t, servers, 2)
		require.Equal(t, stunCfg.URLs, servers[0].URLs)
		require.Equal(t, turnCfg.URLs, servers[1].URLs)
		require.NotEmpty(t, servers[1].Username)
		require.NotEmpty(t, servers[1].Credential)
	})

	t.Run("capped", func(t *testing.T) {
		m := newTestManager(t, "userA", Config{
			ICEServers: ICEServers{
				stunCfg,
				ICEServerConfig{URLs: []string{"turn:turn1.example.com:3478"}, Username: "u", Credential: "c"},
				ICEServerConfig{URLs: []string{"turn:turn2.example.com:3478"}, Username: "u", Credential: "c"},
				ICEServerConfig{URLs: []string{"turn:turn3.example.com:3478"}, Username: "u", Credential: "c"},
			},
		})

		servers := m.genICEServers()
		require.Len(t, servers, MaxICEServers)
	})
}
