// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package quality

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// StatsProvider is the read-only surface the collector needs from a peer
// connection. The collector must never mutate connection state.
type StatsProvider interface {
	GetStats() webrtc.StatsReport
	ICEConnectionState() webrtc.ICEConnectionState
}

// LossReporter optionally supplies a fresher packet loss fraction than the
// cumulative counters in the stats report, e.g. from an interceptor based
// stats getter.
type LossReporter interface {
	LossRate() (fraction float64, ok bool)
}

// Collector extracts samples from raw peer connection statistics. Bitrates,
// loss and inbound frame rates are derived as deltas of cumulative counters
// over wall time, so the first collection yields nil bitrates and falls back
// to lifetime counters for loss.
type Collector struct {
	provider StatsProvider
	loss     LossReporter

	prevBytesSent       uint64
	prevBytesReceived   uint64
	prevPacketsReceived uint64
	prevPacketsLost     int64
	prevFramesDecoded   uint64
	prevTime            time.Time
	hasPrev             bool
}

func NewCollector(provider StatsProvider, loss LossReporter) *Collector {
	return &Collector{
		provider: provider,
		loss:     loss,
	}
}

func (c *Collector) Collect(now time.Time) Sample {
	var (
		bytesSent       uint64
		bytesReceived   uint64
		packetsReceived uint64
		packetsLost     int64
		framesDecoded   uint64
		jitterMs        float64
		rttMs           float64
		remoteRTTMs     float64
		frameWidth      uint32
		frameHeight     uint32
		outFrameWidth   uint32
		outFrameHeight  uint32
		outFPS          float64
	)

	for _, s := range c.provider.GetStats() {
		switch stat := s.(type) {
		case webrtc.InboundRTPStreamStats:
			bytesReceived += stat.BytesReceived
			packetsReceived += uint64(stat.PacketsReceived)
			packetsLost += int64(stat.PacketsLost)
			if jms := stat.Jitter * 1000; jms > jitterMs {
				jitterMs = jms
			}
			if stat.Kind == "video" {
				if stat.FrameWidth > 0 {
					frameWidth = stat.FrameWidth
					frameHeight = stat.FrameHeight
				}
				framesDecoded += uint64(stat.FramesDecoded)
			}
		case webrtc.OutboundRTPStreamStats:
			bytesSent += stat.BytesSent
			if stat.Kind == "video" {
				if stat.FrameWidth > 0 {
					outFrameWidth = stat.FrameWidth
					outFrameHeight = stat.FrameHeight
				}
				if stat.FramesPerSecond > 0 {
					outFPS = stat.FramesPerSecond
				}
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if ms := stat.RoundTripTime * 1000; ms > remoteRTTMs {
				remoteRTTMs = ms
			}
		case webrtc.ICECandidatePairStats:
			if stat.State == webrtc.StatsICECandidatePairStateSucceeded && stat.Nominated {
				rttMs = stat.CurrentRoundTripTime * 1000
			}
		}
	}

	// RTT from the nominated pair wins over RTCP derived values.
	if rttMs == 0 {
		rttMs = remoteRTTMs
	}

	// inbound video reports are preferred, outbound is a fallback when we
	// are sending but not receiving video
	if frameWidth == 0 {
		frameWidth = outFrameWidth
		frameHeight = outFrameHeight
	}

	var elapsed float64
	if c.hasPrev {
		elapsed = now.Sub(c.prevTime).Seconds()
	}

	// The inbound report carries no instantaneous rate, so fps comes from
	// decoded frame deltas. No inbound video means the outbound rate stands
	// in.
	var fps float64
	if elapsed > 0 && framesDecoded >= c.prevFramesDecoded {
		fps = float64(framesDecoded-c.prevFramesDecoded) / elapsed
	}
	if fps == 0 && framesDecoded == 0 {
		fps = outFPS
	}

	// Loss is measured over the collection interval so old losses don't mask
	// a currently healthy connection. Lifetime counters serve the first
	// collection and any counter reset after renegotiation.
	var lossPercent float64
	dRecv := int64(packetsReceived) - int64(c.prevPacketsReceived)
	dLost := packetsLost - c.prevPacketsLost
	if c.hasPrev && dRecv >= 0 && dLost >= 0 {
		if dRecv+dLost > 0 {
			lossPercent = float64(dLost) / float64(dRecv+dLost) * 100
		}
	} else if total := packetsReceived + uint64(max(packetsLost, 0)); total > 0 {
		lossPercent = float64(max(packetsLost, 0)) / float64(total) * 100
	}
	if c.loss != nil {
		if fraction, ok := c.loss.LossRate(); ok && fraction*100 > lossPercent {
			lossPercent = fraction * 100
		}
	}

	sample := Sample{
		RTTMs:             rttMs,
		PacketLossPercent: lossPercent,
		JitterMs:          jitterMs,
		FrameWidth:        frameWidth,
		FrameHeight:       frameHeight,
		FramesPerSecond:   fps,
		ICEState:          c.provider.ICEConnectionState(),
	}

	// Counters going backwards mean the stream restarted. Bitrates then skip
	// a round instead of underflowing.
	if elapsed > 0 && bytesSent >= c.prevBytesSent && bytesReceived >= c.prevBytesReceived {
		sent := float64(bytesSent-c.prevBytesSent) * 8 / elapsed
		received := float64(bytesReceived-c.prevBytesReceived) * 8 / elapsed
		sample.BitrateSentBps = &sent
		sample.BitrateReceivedBps = &received
	}

	c.prevBytesSent = bytesSent
	c.prevBytesReceived = bytesReceived
	c.prevPacketsReceived = packetsReceived
	c.prevPacketsLost = packetsLost
	c.prevFramesDecoded = framesDecoded
	c.prevTime = now
	c.hasPrev = true

	sample.Score = Score(sample)
	sample.Level = LevelFor(sample.Score, sample.ICEState)

	return sample
}
