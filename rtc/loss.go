// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"sync"

	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/webrtc/v4"
)

// lossTracker derives a packet loss fraction from interceptor stats. Loss
// on the send side comes from remote receiver reports, loss on the receive
// side is computed as a delta against the previous snapshot since the
// counters are cumulative.
type lossTracker struct {
	mut     sync.Mutex
	lastSnd map[webrtc.SSRC]*stats.Stats
	lastRcv map[webrtc.SSRC]*stats.Stats
}

func (t *lossTracker) lossRate(pc *webrtc.PeerConnection, getter stats.Getter) (float64, bool) {
	sndStats := make(map[webrtc.SSRC]*stats.Stats)
	for _, snd := range pc.GetSenders() {
		if snd == nil {
			continue
		}
		for _, enc := range snd.GetParameters().Encodings {
			if s := getter.Get(uint32(enc.SSRC)); s != nil {
				sndStats[enc.SSRC] = s
			}
		}
	}

	rcvStats := make(map[webrtc.SSRC]*stats.Stats)
	for _, rcv := range pc.GetReceivers() {
		if rcv == nil {
			continue
		}
		track := rcv.Track()
		if track == nil {
			continue
		}
		if s := getter.Get(uint32(track.SSRC())); s != nil {
			rcvStats[track.SSRC()] = s
		}
	}

	t.mut.Lock()
	defer t.mut.Unlock()

	var lossRate float64
	var counted bool

	for ssrc, s := range sndStats {
		prev := t.lastSnd[ssrc]
		if prev == nil || s.OutboundRTPStreamStats.PacketsSent == prev.OutboundRTPStreamStats.PacketsSent {
			continue
		}

		if fl := s.RemoteInboundRTPStreamStats.FractionLost; fl > lossRate {
			lossRate = fl
		}
		counted = true
	}

	for ssrc, s := range rcvStats {
		prev := t.lastRcv[ssrc]
		if prev == nil || s.InboundRTPStreamStats.PacketsReceived == prev.InboundRTPStreamStats.PacketsReceived {
			continue
		}

		receivedDiff := s.InboundRTPStreamStats.PacketsReceived - prev.InboundRTPStreamStats.PacketsReceived
		potentiallyLost := int64(s.RemoteOutboundRTPStreamStats.PacketsSent) - int64(s.InboundRTPStreamStats.PacketsReceived)
		prevPotentiallyLost := int64(prev.RemoteOutboundRTPStreamStats.PacketsSent) - int64(prev.InboundRTPStreamStats.PacketsReceived)

		var lostDiff int64
		if prevPotentiallyLost >= 0 && potentiallyLost > prevPotentiallyLost {
			lostDiff = potentiallyLost - prevPotentiallyLost
		}

		if receivedDiff > 0 {
			if rate := float64(lostDiff) / float64(receivedDiff+uint64(lostDiff)); rate > lossRate {
				lossRate = rate
			}
			counted = true
		}
	}

	t.lastSnd = sndStats
	t.lastRcv = rcvStats

	return lossRate, counted
}
