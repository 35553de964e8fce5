// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teleclinic/rtckit/signal"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

const (
	iceChSize  = 20
	receiveMTU = 1460
)

var ErrPeerClosed = errors.New("peer is closed")

// ConnState is a snapshot of a peer's connection lifecycle, published to
// state observers.
type ConnState struct {
	PeerID          string
	ConnectionState webrtc.PeerConnectionState
	ICEState        webrtc.ICEConnectionState
	SignalingState  signal.State
}

// Peer owns the underlying connection to a single remote participant along
// with its signaling guard. All signaling application methods are expected
// to be called sequentially for a given peer.
type Peer struct {
	id  string
	log mlog.LoggerIFace
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel

	guard *signal.Guard

	// Remote candidates cannot be added until the remote description is
	// set, so we queue them until that happens.
	iceCh chan webrtc.ICECandidateInit

	statsGetter atomic.Pointer[getterHolder]
	lossTracker lossTracker

	failedTimer *time.Timer
	closed      int32
	mut         sync.Mutex
}

type getterHolder struct {
	getter stats.Getter
}

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) Guard() *signal.Guard {
	return p.guard
}

// ShouldOffer reports whether the local side wins the initiator tie-break
// for this pair.
func (p *Peer) ShouldOffer() bool {
	return p.guard.ShouldOffer()
}

// HandleOffer applies a remote offer and produces the local answer. Offers
// arriving in a state that cannot accept one fail with
// signal.ErrIllegalTransition and must be dropped by the caller.
func (p *Peer) HandleOffer(sdp signal.SessionDescription) (signal.SessionDescription, error) {
	if p.isClosed() {
		return signal.SessionDescription{}, ErrPeerClosed
	}

	if err := p.guard.RemoteOffer(); err != nil {
		return signal.SessionDescription{}, err
	}

	if err := p.pc.SetRemoteDescription(sdp.ToWebRTC()); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("failed to set remote description: %w", err)
	}

	p.flushCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	if err := p.guard.LocalAnswer(); err != nil {
		return signal.SessionDescription{}, err
	}

	return signal.SessionDescription{
		Type: answer.Type.String(),
		SDP:  answer.SDP,
	}, nil
}

// HandleAnswer applies a remote answer to a previously sent offer. Answers
// in any other state are stale or duplicated.
func (p *Peer) HandleAnswer(sdp signal.SessionDescription) error {
	if p.isClosed() {
		return ErrPeerClosed
	}

	if err := p.guard.RemoteAnswer(); err != nil {
		return err
	}

	if err := p.pc.SetRemoteDescription(sdp.ToWebRTC()); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	p.flushCandidates()

	return nil
}

// CreateOffer generates and applies a local offer. Only legal from a stable
// signaling state.
func (p *Peer) CreateOffer() (signal.SessionDescription, error) {
	if p.isClosed() {
		return signal.SessionDescription{}, ErrPeerClosed
	}

	if err := p.guard.LocalOffer(); err != nil {
		return signal.SessionDescription{}, err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	return signal.SessionDescription{
		Type: offer.Type.String(),
		SDP:  offer.SDP,
	}, nil
}

// AddCandidate applies a remote ICE candidate, queuing it if the remote
// description has not been set yet. Queued candidates are flushed as soon
// as a remote description is applied.
func (p *Peer) AddCandidate(c signal.ICECandidate) error {
	if p.isClosed() {
		return ErrPeerClosed
	}

	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}

	if p.pc.RemoteDescription() != nil {
		if err := p.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("failed to add remote candidate: %w", err)
		}
		return nil
	}

	select {
	case p.iceCh <- init:
		p.log.Debug("queued remote candidate", mlog.String("peerID", p.id))
	default:
		return fmt.Errorf("failed to queue candidate: queue is full")
	}

	return nil
}

func (p *Peer) flushCandidates() {
	for i := 0; i < len(p.iceCh); i++ {
		if err := p.pc.AddICECandidate(<-p.iceCh); err != nil {
			p.log.Error("failed to add queued remote candidate",
				mlog.String("peerID", p.id), mlog.Err(err))
		}
	}
}

// AddTrack attaches a local track. The same track may be shared across
// peers, each connection adds its own sender.
func (p *Peer) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	if p.isClosed() {
		return nil, ErrPeerClosed
	}

	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	go p.readSenderRTCP(sender)

	return sender, nil
}

func (p *Peer) RemoveTrack(sender *webrtc.RTPSender) error {
	if p.isClosed() {
		return ErrPeerClosed
	}
	return p.pc.RemoveTrack(sender)
}

func (p *Peer) readSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, receiveMTU)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.log.Debug("failed to read sender RTCP", mlog.String("peerID", p.id), mlog.Err(err))
			}
			return
		}

		if _, err := rtcp.Unmarshal(buf[:n]); err != nil {
			p.log.Debug("failed to unmarshal RTCP packet", mlog.String("peerID", p.id), mlog.Err(err))
		}
	}
}

func (p *Peer) readReceiverRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, receiveMTU)
	for {
		n, _, err := receiver.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.log.Debug("failed to read receiver RTCP", mlog.String("peerID", p.id), mlog.Err(err))
			}
			return
		}

		if _, err := rtcp.Unmarshal(buf[:n]); err != nil {
			p.log.Debug("failed to unmarshal RTCP packet", mlog.String("peerID", p.id), mlog.Err(err))
		}
	}
}

// Negotiated reports whether a full offer/answer exchange has completed
// with this peer.
func (p *Peer) Negotiated() bool {
	return !p.isClosed() && p.pc.RemoteDescription() != nil && p.guard.State() == signal.StateStable
}

// GetStats implements the stats surface the quality engine samples. It is
// read-only, the quality engine never mutates connection state.
func (p *Peer) GetStats() webrtc.StatsReport {
	return p.pc.GetStats()
}

func (p *Peer) ICEConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// LossRate returns the current packet loss fraction derived from
// interceptor stats deltas. ok is false until enough data has accumulated.
func (p *Peer) LossRate() (float64, bool) {
	holder := p.statsGetter.Load()
	if holder == nil {
		return 0, false
	}

	return p.lossTracker.lossRate(p.pc, holder.getter)
}

func (p *Peer) setStatsGetter(g stats.Getter) {
	p.statsGetter.Store(&getterHolder{getter: g})
}

// scheduleFailedClose arms the deferred teardown used on terminal failure.
// A second call while armed is a no-op.
func (p *Peer) scheduleFailedClose(d time.Duration, cb func()) {
	p.mut.Lock()
	defer p.mut.Unlock()

	if p.isClosed() || p.failedTimer != nil {
		return
	}

	p.failedTimer = time.AfterFunc(d, cb)
}

func (p *Peer) cancelFailedClose() {
	p.mut.Lock()
	defer p.mut.Unlock()

	if p.failedTimer != nil {
		p.failedTimer.Stop()
		p.failedTimer = nil
	}
}

func (p *Peer) isClosed() bool {
	return atomic.LoadInt32(&p.closed) == 1
}

// Close tears the peer down. It is idempotent and safe to call while
// signaling operations are still in flight, they will fail with
// ErrPeerClosed.
func (p *Peer) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	p.mut.Lock()
	if p.failedTimer != nil {
		p.failedTimer.Stop()
		p.failedTimer = nil
	}
	p.mut.Unlock()

	p.guard.Close()

	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}

	return nil
}
