// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package signal

import (
	"errors"
	"fmt"
	"sync"
)

// State mirrors the signaling state of the underlying peer connection and
// governs which message types may legally be applied next.
type State string

const (
	StateStable             State = "stable"
	StateHaveLocalOffer     State = "have-local-offer"
	StateHaveRemoteOffer    State = "have-remote-offer"
	StateHaveLocalPranswer  State = "have-local-pranswer"
	StateHaveRemotePranswer State = "have-remote-pranswer"
	StateClosed             State = "closed"
)

var ErrIllegalTransition = errors.New("illegal signaling transition")

// IsInitiator applies the deterministic tie-break that prevents the classic
// two-sided offer glare: the side with the greater id creates the offer, the
// other side waits. The total order over ids guarantees exactly one offer
// per unordered pair, independent of network timing.
func IsInitiator(selfID, peerID string) bool {
	return selfID > peerID
}

// Guard serializes the offer/answer handshake with one remote peer. It
// enforces signaling-state legality so that duplicated or out-of-order
// messages are rejected before they can corrupt negotiation.
type Guard struct {
	selfID string
	peerID string

	state State
	mut   sync.Mutex
}

func NewGuard(selfID, peerID string) *Guard {
	return &Guard{
		selfID: selfID,
		peerID: peerID,
		state:  StateStable,
	}
}

func (g *Guard) State() State {
	g.mut.Lock()
	defer g.mut.Unlock()
	return g.state
}

func (g *Guard) PeerID() string {
	return g.peerID
}

// ShouldOffer reports whether the local side is the one that creates the
// offer for this pair.
func (g *Guard) ShouldOffer() bool {
	return IsInitiator(g.selfID, g.peerID)
}

func (g *Guard) transition(from []State, to State) error {
	g.mut.Lock()
	defer g.mut.Unlock()

	for _, s := range from {
		if g.state == s {
			g.state = to
			return nil
		}
	}

	return fmt.Errorf("%w: cannot move from %q to %q", ErrIllegalTransition, g.state, to)
}

// LocalOffer marks the local side as having sent an offer.
func (g *Guard) LocalOffer() error {
	return g.transition([]State{StateStable}, StateHaveLocalOffer)
}

// RemoteOffer validates an inbound offer. It is legal from stable and, as an
// explicit renegotiation path, when a remote offer is already pending.
func (g *Guard) RemoteOffer() error {
	return g.transition([]State{StateStable, StateHaveRemoteOffer}, StateHaveRemoteOffer)
}

// LocalAnswer completes the handshake on the answering side.
func (g *Guard) LocalAnswer() error {
	return g.transition([]State{StateHaveRemoteOffer, StateHaveLocalPranswer}, StateStable)
}

// RemoteAnswer validates an inbound answer. Answers in any state other than
// have-local-offer are stale or duplicated and must be dropped.
func (g *Guard) RemoteAnswer() error {
	return g.transition([]State{StateHaveLocalOffer, StateHaveRemotePranswer}, StateStable)
}

func (g *Guard) LocalPranswer() error {
	return g.transition([]State{StateHaveRemoteOffer}, StateHaveLocalPranswer)
}

func (g *Guard) RemotePranswer() error {
	return g.transition([]State{StateHaveLocalOffer}, StateHaveRemotePranswer)
}

func (g *Guard) Close() {
	g.mut.Lock()
	defer g.mut.Unlock()
	g.state = StateClosed
}

func (g *Guard) Closed() bool {
	return g.State() == StateClosed
}
