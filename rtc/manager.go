// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/teleclinic/rtckit/signal"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/webrtc/v4"
)

var ErrManagerClosed = errors.New("manager is closed")

type Metrics interface {
	IncRTCPeers(sessionID string)
	DecRTCPeers(sessionID string)
	IncRTCConnState(state string)
}

// CandidateHandler receives locally gathered ICE candidates to be relayed
// to the remote side. An empty candidate marks the end of gathering.
type CandidateHandler func(peerID string, c signal.ICECandidate)

// TrackHandler receives remote media tracks as they arrive.
type TrackHandler func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// StateObserver receives connection state snapshots. Observers are
// independent, a slow one cannot block another.
type StateObserver func(st ConnState)

// Manager owns the peer connections of one session, keyed by the remote
// participant id.
type Manager struct {
	cfg       Config
	log       mlog.LoggerIFace
	metrics   Metrics
	selfID    string
	sessionID string

	onCandidate CandidateHandler
	onTrack     TrackHandler
	observers   []StateObserver

	peers  map[string]*Peer
	closed bool
	mut    sync.RWMutex
}

func NewManager(log mlog.LoggerIFace, cfg Config, selfID, sessionID string, metrics Metrics) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if selfID == "" {
		return nil, errors.New("selfID should not be empty")
	}
	if sessionID == "" {
		return nil, errors.New("sessionID should not be empty")
	}

	return &Manager{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		selfID:    selfID,
		sessionID: sessionID,
		peers:     make(map[string]*Peer),
	}, nil
}

func (m *Manager) OnCandidate(h CandidateHandler) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.onCandidate = h
}

func (m *Manager) OnTrack(h TrackHandler) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.onTrack = h
}

func (m *Manager) RegisterStateObserver(h StateObserver) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.observers = append(m.observers, h)
}

// GetPeer returns the peer for the given participant id, if any.
func (m *Manager) GetPeer(peerID string) *Peer {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return m.peers[peerID]
}

// Peers returns the ids of all tracked peers.
func (m *Manager) Peers() []string {
	m.mut.RLock()
	defer m.mut.RUnlock()

	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// EnsurePeer returns the peer for the given participant id, creating it on
// first use. The second return value reports whether a new peer was
// created.
func (m *Manager) EnsurePeer(peerID string) (*Peer, bool, error) {
	if peerID == "" {
		return nil, false, errors.New("peerID should not be empty")
	}
	if peerID == m.selfID {
		return nil, false, errors.New("peerID should differ from selfID")
	}

	m.mut.Lock()
	defer m.mut.Unlock()

	if m.closed {
		return nil, false, ErrManagerClosed
	}

	if p, ok := m.peers[peerID]; ok {
		return p, false, nil
	}

	p, err := m.newPeer(peerID)
	if err != nil {
		return nil, false, err
	}

	m.peers[peerID] = p
	if m.metrics != nil {
		m.metrics.IncRTCPeers(m.sessionID)
	}

	m.log.Debug("created peer", mlog.String("peerID", peerID), mlog.String("sessionID", m.sessionID))

	return p, true, nil
}

// RemovePeer closes and discards the peer for the given participant id.
func (m *Manager) RemovePeer(peerID string) error {
	m.mut.Lock()
	p, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mut.Unlock()

	if !ok {
		return nil
	}

	if m.metrics != nil {
		m.metrics.DecRTCPeers(m.sessionID)
	}

	if err := p.Close(); err != nil {
		return fmt.Errorf("failed to close peer: %w", err)
	}

	m.log.Debug("removed peer", mlog.String("peerID", peerID), mlog.String("sessionID", m.sessionID))

	return nil
}

// CloseAll tears down every peer. It is idempotent, further calls are
// no-ops.
func (m *Manager) CloseAll() {
	m.mut.Lock()
	if m.closed {
		m.mut.Unlock()
		return
	}
	m.closed = true
	peers := m.peers
	m.peers = make(map[string]*Peer)
	m.mut.Unlock()

	for id, p := range peers {
		if err := p.Close(); err != nil {
			m.log.Error("failed to close peer", mlog.String("peerID", id), mlog.Err(err))
		}
		if m.metrics != nil {
			m.metrics.DecRTCPeers(m.sessionID)
		}
	}
}

func (m *Manager) newPeer(peerID string) (*Peer, error) {
	p := &Peer{
		id:    peerID,
		log:   m.log,
		guard: signal.NewGuard(m.selfID, peerID),
		iceCh: make(chan webrtc.ICECandidateInit, iceChSize),
	}

	mEngine := &webrtc.MediaEngine{}
	if err := mEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	iRegistry := &interceptor.Registry{}
	statsFactory, err := stats.NewInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create stats interceptor: %w", err)
	}
	statsFactory.OnNewPeerConnection(func(_ string, g stats.Getter) {
		p.setStatsGetter(g)
	})
	iRegistry.Add(statsFactory)

	if err := webrtc.RegisterDefaultInterceptors(mEngine, iRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	sEngine := webrtc.SettingEngine{
		LoggerFactory: &loggerFactory{log: m.log},
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mEngine),
		webrtc.WithInterceptorRegistry(iRegistry),
		webrtc.WithSettingEngine(sEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   m.genICEServers(),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	p.pc = pc

	// A control channel guarantees every offer carries at least one media
	// section, even before any track is attached.
	dc, err := pc.CreateDataChannel("control", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	p.dc = dc

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		handler := m.candidateHandler()
		if handler == nil {
			return
		}

		if candidate == nil {
			handler(peerID, signal.ICECandidate{})
			return
		}

		init := candidate.ToJSON()
		handler(peerID, signal.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.log.Debug("received remote track",
			mlog.String("peerID", peerID),
			mlog.String("kind", track.Kind().String()),
			mlog.String("trackID", track.ID()))

		go p.readReceiverRTCP(receiver)

		if handler := m.trackHandler(); handler != nil {
			handler(peerID, track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		m.log.Debug("connection state change",
			mlog.String("peerID", peerID), mlog.String("state", st.String()))

		if m.metrics != nil {
			m.metrics.IncRTCConnState(st.String())
		}

		switch st {
		case webrtc.PeerConnectionStateConnected:
			p.cancelFailedClose()
		case webrtc.PeerConnectionStateFailed:
			// Deferred teardown, a recovery attempt in flight may still
			// bring the connection back.
			p.scheduleFailedClose(m.cfg.FailedGraceDelay, func() {
				m.log.Debug("grace delay expired, removing failed peer",
					mlog.String("peerID", peerID))
				if err := m.RemovePeer(peerID); err != nil {
					m.log.Error("failed to remove peer", mlog.String("peerID", peerID), mlog.Err(err))
				}
			})
		}

		m.publishState(p)
	})

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		m.log.Debug("ice connection state change",
			mlog.String("peerID", peerID), mlog.String("state", st.String()))
		m.publishState(p)
	})

	return p, nil
}

func (m *Manager) candidateHandler() CandidateHandler {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return m.onCandidate
}

func (m *Manager) trackHandler() TrackHandler {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return m.onTrack
}

func (m *Manager) publishState(p *Peer) {
	st := ConnState{
		PeerID:          p.id,
		ConnectionState: p.pc.ConnectionState(),
		ICEState:        p.pc.ICEConnectionState(),
		SignalingState:  p.guard.State(),
	}

	m.mut.RLock()
	observers := make([]StateObserver, len(m.observers))
	copy(observers, m.observers)
	m.mut.RUnlock()

	for _, h := range observers {
		h(st)
	}
}

// genICEServers builds the server list handed to a new peer connection.
// STUN comes first. TURN servers get short-lived credentials generated from
// the static auth secret; if no secret is configured or generation fails we
// degrade to STUN only rather than failing session setup.
func (m *Manager) genICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, MaxICEServers)

	for _, cfg := range m.cfg.ICEServers.getSTUN() {
		servers = append(servers, webrtc.ICEServer{
			URLs: cfg.URLs,
		})
	}

	for _, cfg := range m.cfg.ICEServers.getTURN() {
		if len(servers) >= MaxICEServers {
			break
		}

		if cfg.Username == "" && cfg.Credential == "" {
			if m.cfg.TURNConfig.StaticAuthSecret == "" {
				continue
			}

			ts := time.Now().Add(time.Duration(m.cfg.TURNConfig.CredentialsExpirationMinutes) * time.Minute).Unix()
			username, password, err := genTURNCredentials(m.selfID, m.cfg.TURNConfig.StaticAuthSecret, ts)
			if err != nil {
				m.log.Error("failed to generate TURN credentials", mlog.Err(err))
				continue
			}
			cfg.Username = username
			cfg.Credential = password
		}

		servers = append(servers, webrtc.ICEServer{
			URLs:       cfg.URLs,
			Username:   cfg.Username,
			Credential: cfg.Credential,
		})
	}

	if len(servers) > MaxICEServers {
		servers = servers[:MaxICEServers]
	}

	return servers
}
