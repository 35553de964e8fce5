// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teleclinic/rtckit/logger"
	"github.com/teleclinic/rtckit/media"
	"github.com/teleclinic/rtckit/perf"
	"github.com/teleclinic/rtckit/quality"
	"github.com/teleclinic/rtckit/recovery"
	"github.com/teleclinic/rtckit/rtc"
	"github.com/teleclinic/rtckit/signal"
	"github.com/teleclinic/rtckit/store"
	"github.com/teleclinic/rtckit/transport"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const peerQueueSize = 64

const (
	clientStateNew int32 = iota
	clientStateInit
	clientStateClosing
	clientStateClosed
)

// Client coordinates one participant's side of a session: signaling
// transport, peer connections, local and remote media, quality monitoring,
// persistence and recovery. It is the package's public API surface.
type Client struct {
	cfg Config
	log mlog.LoggerIFace

	transport transport.Transport
	dm        media.DeviceManager
	router    *media.Router
	rtcm      *rtc.Manager
	recoverer *recovery.Controller
	sessions  *store.SessionStore
	kv        store.Store
	ownsKV    bool
	metrics   *perf.Metrics

	deduper  *signal.Deduper
	handlers map[EventType]EventHandler

	// Inbound messages are dispatched to one queue per remote peer so peers
	// progress independently while each peer's messages apply in order.
	peerQueues map[string]chan signal.Message
	monitors   map[string]*quality.Monitor

	state   int32
	closeCh chan struct{}
	wg      sync.WaitGroup
	mut     sync.RWMutex
}

type Option func(c *Client) error

func WithLogger(log mlog.LoggerIFace) Option {
	return func(c *Client) error {
		c.log = log
		return nil
	}
}

// WithTransport injects a custom signaling transport, replacing the default
// websocket client built from the signaling config section.
func WithTransport(t transport.Transport) Option {
	return func(c *Client) error {
		c.transport = t
		return nil
	}
}

// WithDeviceManager injects a custom capture backend.
func WithDeviceManager(dm media.DeviceManager) Option {
	return func(c *Client) error {
		c.dm = dm
		return nil
	}
}

// WithStore injects a custom key-value store for session persistence. The
// caller retains ownership and is responsible for closing it.
func WithStore(kv store.Store) Option {
	return func(c *Client) error {
		c.kv = kv
		return nil
	}
}

func WithMetrics(m *perf.Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// New initializes and returns a new session client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Parse(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		deduper:    signal.NewDeduper(),
		handlers:   make(map[EventType]EventHandler),
		peerQueues: make(map[string]chan signal.Message),
		monitors:   make(map[string]*quality.Monitor),
		closeCh:    make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if c.log == nil {
		log, err := logger.New(cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		c.log = log
	}

	if c.transport == nil {
		if cfg.Signaling.URL == "" {
			return nil, errors.New("no transport: set Signaling.URL or inject one")
		}
		ws, err := transport.NewWSClient(c.log, cfg.Signaling)
		if err != nil {
			return nil, fmt.Errorf("failed to create ws client: %w", err)
		}
		c.transport = ws
	}

	if c.dm == nil {
		dm, err := media.NewSystemDeviceManager(c.log)
		if err != nil {
			return nil, fmt.Errorf("failed to create device manager: %w", err)
		}
		c.dm = dm
	}

	router, err := media.NewRouter(c.log, c.dm)
	if err != nil {
		return nil, fmt.Errorf("failed to create media router: %w", err)
	}
	c.router = router

	var rtcMetrics rtc.Metrics
	var recMetrics recovery.Metrics
	if c.metrics != nil {
		rtcMetrics = c.metrics
		recMetrics = c.metrics
	}

	rtcm, err := rtc.NewManager(c.log, cfg.RTC, cfg.UserID, cfg.SessionID, rtcMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtc manager: %w", err)
	}
	c.rtcm = rtcm

	recoverer, err := recovery.NewController(c.log, cfg.Recovery,
		deviceChecker{dm: c.dm}, routerAcquirer{router: c.router}, c.rejoin, recMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create recovery controller: %w", err)
	}
	c.recoverer = recoverer

	if c.kv == nil && cfg.Store.DataSource != "" {
		kv, err := store.New(cfg.Store.DataSource)
		if err != nil {
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
		c.kv = kv
		c.ownsKV = true
	}
	if c.kv != nil {
		c.sessions = store.NewSessionStore(c.kv, c.log)
	}

	c.rtcm.OnCandidate(func(peerID string, candidate signal.ICECandidate) {
		msg := signal.NewCandidateMessage(candidate.ToInit(), c.cfg.UserID, peerID, c.cfg.SessionID)
		if err := c.send(msg); err != nil {
			c.log.Debug("failed to send candidate", mlog.String("peerID", peerID), mlog.Err(err))
		}
	})

	c.rtcm.OnTrack(func(peerID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.router.AddRemoteTrack(peerID, track)
		c.emit(RemoteTrackEvent, RemoteTrack{PeerID: peerID, Track: track})
	})

	// The router's pump owns all remote track reads, consumers get the
	// packets through RTPPacketEvent.
	c.router.OnRTPPacket(func(peerID string, track *webrtc.TrackRemote, pkt *rtp.Packet) {
		if c.metrics != nil {
			c.metrics.IncRTPPackets(track.Kind().String())
		}
		c.emit(RTPPacketEvent, RTPPacket{PeerID: peerID, Track: track, Packet: pkt})
	})

	c.rtcm.RegisterStateObserver(func(st rtc.ConnState) {
		c.persistStates(st)
		c.emit(PeerStateEvent, st)
	})

	return c, nil
}

// Connect opens the signaling transport, announces the local participant and
// replays any signaling left pending by a previous disconnect.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.state, clientStateNew, clientStateInit) {
		return fmt.Errorf("client is already initialized")
	}

	if err := c.transport.Connect(ctx); err != nil {
		atomic.StoreInt32(&c.state, clientStateNew)
		return fmt.Errorf("failed to connect transport: %w", err)
	}

	c.startReaders()

	if c.sessions != nil {
		if err := c.sessions.Update(c.cfg.SessionID, c.cfg.UserID, func(st *store.SessionState) {
			st.Status = store.SessionStatusActive
		}); err != nil {
			c.log.Error("failed to persist session state", mlog.Err(err))
		}
	}

	if err := c.send(signal.NewJoinMessage(c.cfg.UserID, c.cfg.SessionID)); err != nil {
		c.log.Error("failed to announce join", mlog.Err(err))
	}

	c.replayPending()

	c.emit(ConnectEvent, nil)

	return nil
}

// On is used to subscribe to any events fired by the client.
// Note: there can only be one subscriber per event type.
func (c *Client) On(eventType EventType, h EventHandler) error {
	if !eventType.IsValid() {
		return fmt.Errorf("invalid event type %q", eventType)
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	if _, ok := c.handlers[eventType]; ok {
		return ErrAlreadySubscribed
	}
	c.handlers[eventType] = h

	return nil
}

func (c *Client) emit(eventType EventType, ctx any) {
	c.mut.RLock()
	h := c.handlers[eventType]
	c.mut.RUnlock()

	if h == nil {
		return
	}
	if err := h(ctx); err != nil {
		c.log.Error("failed to handle event", mlog.String("type", string(eventType)), mlog.Err(err))
	}
}

// GetLocalStream captures the local media stream with the given constraints
// and attaches the resulting tracks to every known peer.
func (c *Client) GetLocalStream(ctx context.Context, constraints media.Constraints) ([]*media.Track, error) {
	if atomic.LoadInt32(&c.state) != clientStateInit {
		return nil, fmt.Errorf("client is not initialized")
	}

	tracks, err := c.router.AcquireLocal(ctx, constraints)
	if err != nil {
		return nil, err
	}

	for _, id := range c.rtcm.Peers() {
		p := c.rtcm.GetPeer(id)
		if p == nil {
			continue
		}
		c.attachTracks(p, tracks)
	}

	return tracks, nil
}

// ToggleVideo flips the enabled state of the local video tracks, affecting
// every peer at once.
func (c *Client) ToggleVideo() (bool, error) {
	return c.router.ToggleVideo()
}

// ToggleAudio flips the enabled state of the local audio tracks.
func (c *Client) ToggleAudio() (bool, error) {
	return c.router.ToggleAudio()
}

// ToggleScreenShare starts or stops display capture and returns the new
// sharing state.
func (c *Client) ToggleScreenShare(ctx context.Context) (bool, error) {
	if c.router.ScreenSharing() {
		c.router.StopScreenShare()
		return false, nil
	}

	tracks, err := c.router.StartScreenShare(ctx)
	if err != nil {
		return false, err
	}

	for _, id := range c.rtcm.Peers() {
		p := c.rtcm.GetPeer(id)
		if p == nil {
			continue
		}
		c.attachTracks(p, tracks)
	}

	return true, nil
}

// InitiateCall starts negotiation with the given peer, honoring the
// initiator tie-break, and waits until the offer/answer exchange completes or
// the negotiation timeout expires.
func (c *Client) InitiateCall(ctx context.Context, peerID string) error {
	if atomic.LoadInt32(&c.state) != clientStateInit {
		return fmt.Errorf("client is not initialized")
	}

	p, created, err := c.rtcm.EnsurePeer(peerID)
	if err != nil {
		return err
	}
	if created {
		c.attachLocal(p)
		c.startMonitor(p)
	}

	if p.ShouldOffer() && p.Guard().State() == signal.StateStable {
		// A losing race against the presence-driven offer path is benign,
		// negotiation is already underway.
		if err := c.sendOffer(p); err != nil && !errors.Is(err, signal.ErrIllegalTransition) {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RTC.NegotiationTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.Negotiated() {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("negotiation with %q timed out: %w", peerID, ctx.Err())
		case <-c.closeCh:
			return fmt.Errorf("client is closing")
		}
	}
}

// Recover runs the recovery controller against this session: re-check
// devices, re-acquire media with degradation, reconnect signaling and rejoin.
func (c *Client) Recover(ctx context.Context) (recovery.Result, error) {
	if atomic.LoadInt32(&c.state) != clientStateInit {
		return recovery.Result{}, fmt.Errorf("client is not initialized")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := c.recoverer.Recover(ctx)
	if err != nil {
		return recovery.Result{}, err
	}

	c.emit(RecoveryEvent, res)

	return res, nil
}

// ResetRecovery re-arms the recovery controller after a manual user action.
func (c *Client) ResetRecovery() {
	c.recoverer.Reset()
}

// Peers returns the ids of all currently tracked remote participants.
func (c *Client) Peers() []string {
	return c.rtcm.Peers()
}

// PeerState returns a connection state snapshot for the given peer.
func (c *Client) PeerState(peerID string) (rtc.ConnState, bool) {
	p := c.rtcm.GetPeer(peerID)
	if p == nil {
		return rtc.ConnState{}, false
	}
	return rtc.ConnState{
		PeerID:          peerID,
		ConnectionState: p.ConnectionState(),
		ICEState:        p.ICEConnectionState(),
		SignalingState:  p.Guard().State(),
	}, true
}

// Negotiated reports whether a full offer/answer exchange has completed with
// the given peer.
func (c *Client) Negotiated(peerID string) bool {
	p := c.rtcm.GetPeer(peerID)
	return p != nil && p.Negotiated()
}

// QualityHistory returns the retained quality samples for the given peer,
// oldest first.
func (c *Client) QualityHistory(peerID string) []quality.HistorySample {
	c.mut.RLock()
	m := c.monitors[peerID]
	c.mut.RUnlock()

	if m == nil {
		return nil
	}
	return m.History()
}

// Leave announces departure and disconnects from signaling without tearing
// down the client. A later rejoin through Recover is possible.
func (c *Client) Leave() error {
	if atomic.LoadInt32(&c.state) != clientStateInit {
		return fmt.Errorf("client is not initialized")
	}

	if err := c.transport.Send(signal.NewLeaveMessage(c.cfg.UserID, c.cfg.SessionID)); err != nil {
		c.log.Warn("failed to announce leave", mlog.Err(err))
	}

	if c.sessions != nil {
		if err := c.sessions.Update(c.cfg.SessionID, c.cfg.UserID, func(st *store.SessionState) {
			st.Status = store.SessionStatusPaused
		}); err != nil {
			c.log.Error("failed to persist session state", mlog.Err(err))
		}
	}

	if err := c.transport.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect transport: %w", err)
	}

	return nil
}

// Destroy permanently tears the client down: announces departure, stops all
// media, closes every peer, cancels any running recovery and clears the
// pending queues. It is idempotent, later calls and in-flight async
// completions are no-ops.
func (c *Client) Destroy() error {
	if atomic.CompareAndSwapInt32(&c.state, clientStateNew, clientStateClosed) {
		return nil
	}

	if !atomic.CompareAndSwapInt32(&c.state, clientStateInit, clientStateClosing) {
		return nil
	}

	close(c.closeCh)

	if c.transport.Connected() {
		if err := c.transport.Send(signal.NewLeaveMessage(c.cfg.UserID, c.cfg.SessionID)); err != nil {
			c.log.Debug("failed to announce leave", mlog.Err(err))
		}
	}

	c.stopMonitors()
	c.rtcm.CloseAll()
	c.router.StopAll()

	if err := c.transport.Disconnect(); err != nil {
		c.log.Error("failed to disconnect transport", mlog.Err(err))
	}

	c.wg.Wait()

	if c.sessions != nil {
		if err := c.sessions.Update(c.cfg.SessionID, c.cfg.UserID, func(st *store.SessionState) {
			st.Status = store.SessionStatusEnded
			st.Drain()
		}); err != nil {
			c.log.Error("failed to persist session state", mlog.Err(err))
		}
	}

	if c.ownsKV {
		if err := c.kv.Close(); err != nil {
			c.log.Error("failed to close store", mlog.Err(err))
		}
	}

	atomic.StoreInt32(&c.state, clientStateClosed)

	c.emit(CloseEvent, nil)

	return nil
}

func (c *Client) startReaders() {
	c.wg.Add(2)
	go c.msgReader()
	go c.presenceReader()
}

func (c *Client) msgReader() {
	defer c.wg.Done()

	for msg := range c.transport.ReceiveCh() {
		c.handleMsg(msg)
	}

	// Transport is gone, unblock the per-peer loops.
	c.mut.Lock()
	for id, q := range c.peerQueues {
		close(q)
		delete(c.peerQueues, id)
	}
	c.mut.Unlock()
}

func (c *Client) presenceReader() {
	defer c.wg.Done()

	// Presence runs through the same admission pipeline as signaling
	// payloads: a replayed or stale leave must not tear down a live peer.
	for ev := range c.transport.PresenceCh() {
		if !c.admit(ev.Msg) {
			continue
		}
		switch ev.Type {
		case transport.PresenceJoined:
			c.handleJoin(ev.UserID)
		case transport.PresenceLeft:
			c.handleLeave(ev.UserID)
		}
	}
}

func (c *Client) handleMsg(msg signal.Message) {
	if !c.admit(msg) {
		return
	}
	c.dispatch(msg)
}

// admit runs the inbound validation pipeline: well-formedness, staleness,
// target filtering and deduplication, in that order. Stale messages are
// dropped before the deduper sees them so a fresh retransmission still gets
// through.
func (c *Client) admit(msg signal.Message) bool {
	if c.metrics != nil {
		c.metrics.IncSignalingMessages(string(msg.Type), "received")
	}

	if err := msg.IsValid(); err != nil {
		c.dropMsg("invalid", msg, err)
		return false
	}

	if msg.IsStale(time.Now()) {
		c.dropMsg("stale", msg, nil)
		return false
	}

	if !msg.IsForUs(c.cfg.SessionID, c.cfg.UserID) {
		c.dropMsg("target", msg, nil)
		return false
	}

	if !c.deduper.Observe(msg.DedupKey()) {
		c.dropMsg("duplicate", msg, nil)
		return false
	}

	return true
}

func (c *Client) dropMsg(reason string, msg signal.Message, err error) {
	if c.metrics != nil {
		c.metrics.IncSignalingDrops(reason)
	}
	c.log.Debug("dropping message",
		mlog.String("reason", reason),
		mlog.String("type", string(msg.Type)),
		mlog.String("senderID", msg.SenderID),
		mlog.Err(err))
}

// dispatch hands the message to the sender's queue. Only the message reader
// calls this so queue creation and closing cannot race.
func (c *Client) dispatch(msg signal.Message) {
	c.mut.Lock()
	q, ok := c.peerQueues[msg.SenderID]
	if !ok {
		q = make(chan signal.Message, peerQueueSize)
		c.peerQueues[msg.SenderID] = q
		c.wg.Add(1)
		go c.peerLoop(msg.SenderID, q)
	}
	c.mut.Unlock()

	select {
	case q <- msg:
	default:
		c.dropMsg("backlog", msg, nil)
	}
}

func (c *Client) peerLoop(peerID string, q chan signal.Message) {
	defer c.wg.Done()

	for msg := range q {
		switch msg.Type {
		case signal.MsgTypeOffer:
			c.handleOffer(peerID, msg)
		case signal.MsgTypeAnswer:
			c.handleAnswer(peerID, msg)
		case signal.MsgTypeCandidate:
			c.handleCandidate(peerID, msg)
		}
	}
}

func (c *Client) handleOffer(peerID string, msg signal.Message) {
	p, created, err := c.rtcm.EnsurePeer(peerID)
	if err != nil {
		c.log.Error("failed to ensure peer", mlog.String("peerID", peerID), mlog.Err(err))
		return
	}
	if created {
		c.attachLocal(p)
		c.startMonitor(p)
	}

	answer, err := p.HandleOffer(*msg.SDP)
	if errors.Is(err, signal.ErrIllegalTransition) {
		c.dropMsg("illegal_transition", msg, err)
		return
	}
	if err != nil {
		c.log.Error("failed to handle offer", mlog.String("peerID", peerID), mlog.Err(err))
		c.emit(ErrorEvent, err)
		return
	}

	if err := c.send(signal.NewAnswerMessage(answer.ToWebRTC(), c.cfg.UserID, peerID, c.cfg.SessionID)); err != nil {
		c.log.Error("failed to send answer", mlog.String("peerID", peerID), mlog.Err(err))
	}
}

func (c *Client) handleAnswer(peerID string, msg signal.Message) {
	p := c.rtcm.GetPeer(peerID)
	if p == nil {
		c.dropMsg("unknown_peer", msg, nil)
		return
	}

	err := p.HandleAnswer(*msg.SDP)
	if errors.Is(err, signal.ErrIllegalTransition) {
		c.dropMsg("illegal_transition", msg, err)
		return
	}
	if err != nil {
		c.log.Error("failed to handle answer", mlog.String("peerID", peerID), mlog.Err(err))
		c.emit(ErrorEvent, err)
	}
}

func (c *Client) handleCandidate(peerID string, msg signal.Message) {
	p, created, err := c.rtcm.EnsurePeer(peerID)
	if err != nil {
		c.log.Error("failed to ensure peer", mlog.String("peerID", peerID), mlog.Err(err))
		return
	}
	if created {
		c.attachLocal(p)
		c.startMonitor(p)
	}

	if err := p.AddCandidate(*msg.Candidate); err != nil {
		c.log.Error("failed to add candidate", mlog.String("peerID", peerID), mlog.Err(err))
	}
}

func (c *Client) handleJoin(userID string) {
	p, created, err := c.rtcm.EnsurePeer(userID)
	if err != nil {
		c.log.Error("failed to ensure peer", mlog.String("peerID", userID), mlog.Err(err))
		return
	}

	if c.sessions != nil {
		if err := c.sessions.Update(c.cfg.SessionID, c.cfg.UserID, func(st *store.SessionState) {
			st.AddParticipant(userID)
		}); err != nil {
			c.log.Error("failed to persist session state", mlog.Err(err))
		}
	}

	if created {
		c.attachLocal(p)
		c.startMonitor(p)

		// Announce back so a late joiner learns about us. The created flag
		// bounds the exchange to one echo per pair.
		if err := c.send(signal.NewJoinMessage(c.cfg.UserID, c.cfg.SessionID)); err != nil {
			c.log.Warn("failed to announce join", mlog.Err(err))
		}

		c.emit(PeerJoinEvent, userID)
	}

	if p.ShouldOffer() && p.Guard().State() == signal.StateStable {
		err := c.sendOffer(p)
		if errors.Is(err, signal.ErrIllegalTransition) {
			c.log.Debug("offer already in flight", mlog.String("peerID", userID))
		} else if err != nil {
			c.log.Error("failed to send offer", mlog.String("peerID", userID), mlog.Err(err))
		}
	}
}

func (c *Client) handleLeave(userID string) {
	c.stopMonitor(userID)
	c.router.RemoveRemoteTracks(userID)

	if err := c.rtcm.RemovePeer(userID); err != nil {
		c.log.Error("failed to remove peer", mlog.String("peerID", userID), mlog.Err(err))
	}

	if c.sessions != nil {
		if err := c.sessions.Update(c.cfg.SessionID, c.cfg.UserID, func(st *store.SessionState) {
			st.RemoveParticipant(userID)
		}); err != nil {
			c.log.Error("failed to persist session state", mlog.Err(err))
		}
	}

	c.emit(PeerLeaveEvent, userID)
}

func (c *Client) sendOffer(p *rtc.Peer) error {
	offer, err := p.CreateOffer()
	if err != nil {
		return err
	}
	return c.send(signal.NewOfferMessage(offer.ToWebRTC(), c.cfg.UserID, p.ID(), c.cfg.SessionID))
}

// send pushes a message through the transport. On failure the message is
// persisted for FIFO replay on the next reconnect.
func (c *Client) send(msg signal.Message) error {
	if c.metrics != nil {
		c.metrics.IncSignalingMessages(string(msg.Type), "sent")
	}

	if err := c.transport.Send(msg); err != nil {
		c.enqueuePending(msg)
		return err
	}

	return nil
}

func (c *Client) enqueuePending(msg signal.Message) {
	if c.sessions == nil {
		return
	}

	if err := c.sessions.Update(c.cfg.SessionID, c.cfg.UserID, func(st *store.SessionState) {
		st.Enqueue(msg)
	}); err != nil {
		c.log.Error("failed to enqueue pending message", mlog.Err(err))
	}
}

// replayPending drains the persisted queues and resends in order. Timestamps
// are refreshed so replayed messages do not trip the receiver's staleness
// window.
func (c *Client) replayPending() {
	if c.sessions == nil {
		return
	}

	var msgs []signal.Message
	if err := c.sessions.Update(c.cfg.SessionID, c.cfg.UserID, func(st *store.SessionState) {
		msgs = st.Drain()
	}); err != nil {
		c.log.Error("failed to drain pending messages", mlog.Err(err))
		return
	}

	for _, msg := range msgs {
		msg.Timestamp = time.Now().UTC()
		if err := c.send(msg); err != nil {
			c.log.Warn("failed to replay pending message",
				mlog.String("type", string(msg.Type)), mlog.Err(err))
		}
	}
}

// rejoin is the recovery controller's callback: reconnect signaling if
// needed, re-announce and replay whatever was queued while offline.
func (c *Client) rejoin(ctx context.Context) error {
	if !c.transport.Connected() {
		if err := c.transport.Connect(ctx); err != nil {
			return fmt.Errorf("failed to reconnect transport: %w", err)
		}
		c.startReaders()
	}

	if err := c.send(signal.NewJoinMessage(c.cfg.UserID, c.cfg.SessionID)); err != nil {
		return fmt.Errorf("failed to announce join: %w", err)
	}

	if c.sessions != nil {
		if err := c.sessions.Update(c.cfg.SessionID, c.cfg.UserID, func(st *store.SessionState) {
			st.Status = store.SessionStatusActive
		}); err != nil {
			c.log.Error("failed to persist session state", mlog.Err(err))
		}
	}

	c.replayPending()

	return nil
}

func (c *Client) attachLocal(p *rtc.Peer) {
	c.attachTracks(p, c.router.LocalTracks())
	c.attachTracks(p, c.router.ScreenTracks())
}

func (c *Client) attachTracks(p *rtc.Peer, tracks []*media.Track) {
	for _, t := range tracks {
		if _, err := p.AddTrack(t.Local()); err != nil {
			c.log.Error("failed to add track",
				mlog.String("peerID", p.ID()), mlog.String("trackID", t.ID()), mlog.Err(err))
		}
	}
}

func (c *Client) startMonitor(p *rtc.Peer) {
	c.mut.Lock()
	defer c.mut.Unlock()

	// Registration is serialized with stopMonitors through the mutex. Once
	// teardown has started no new monitor may appear or its sample pump
	// would outlive the client.
	select {
	case <-c.closeCh:
		return
	default:
	}

	if _, ok := c.monitors[p.ID()]; ok {
		return
	}

	m, err := quality.NewMonitor(c.log, c.cfg.Monitor, p, p)
	if err != nil {
		c.log.Error("failed to create quality monitor", mlog.String("peerID", p.ID()), mlog.Err(err))
		return
	}
	c.monitors[p.ID()] = m

	m.Start()

	peerID := p.ID()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for s := range m.SamplesCh() {
			if c.metrics != nil {
				c.metrics.SetQualityScore(peerID, float64(s.Score))
			}
			c.emit(QualityEvent, QualitySample{PeerID: peerID, Sample: s})
		}
	}()
}

func (c *Client) stopMonitor(peerID string) {
	c.mut.Lock()
	m := c.monitors[peerID]
	delete(c.monitors, peerID)
	c.mut.Unlock()

	if m == nil {
		return
	}
	m.Stop()

	if c.metrics != nil {
		c.metrics.RemoveQualityScore(peerID)
	}
}

func (c *Client) stopMonitors() {
	c.mut.Lock()
	monitors := c.monitors
	c.monitors = make(map[string]*quality.Monitor)
	c.mut.Unlock()

	for id, m := range monitors {
		m.Stop()
		if c.metrics != nil {
			c.metrics.RemoveQualityScore(id)
		}
	}
}

func (c *Client) persistStates(st rtc.ConnState) {
	if c.sessions == nil {
		return
	}

	if err := c.sessions.Update(c.cfg.SessionID, c.cfg.UserID, func(s *store.SessionState) {
		s.SetParticipantStates(st.PeerID, st.ConnectionState.String(), st.ICEState.String())
	}); err != nil {
		c.log.Error("failed to persist participant states", mlog.Err(err))
	}
}

// deviceChecker adapts the media device manager to the recovery controller.
type deviceChecker struct {
	dm media.DeviceManager
}

func (d deviceChecker) CheckDevices(ctx context.Context) (bool, bool, error) {
	return media.HasCaptureDevices(ctx, d.dm)
}

// routerAcquirer adapts the media router to the recovery controller.
type routerAcquirer struct {
	router *media.Router
}

func (a routerAcquirer) Acquire(ctx context.Context, video, audio bool) error {
	_, err := a.router.AcquireLocal(ctx, media.Constraints{Video: video, Audio: audio})
	return err
}
