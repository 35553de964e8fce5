// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package quality

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Sample is an instantaneous connection quality measurement. Bitrates are
// nil until two stats collections have happened since they are derived from
// deltas of cumulative counters.
type Sample struct {
	RTTMs              float64
	PacketLossPercent  float64 // 0-100
	JitterMs           float64
	BitrateSentBps     *float64
	BitrateReceivedBps *float64
	FrameWidth         uint32
	FrameHeight        uint32
	FramesPerSecond    float64
	ICEState           webrtc.ICEConnectionState

	Score int
	Level Level
}

// HistorySample is the retained form of a measurement. It differs from
// Sample in carrying a timestamp and storing packet loss as a fraction
// (0-1) rather than a percentage.
type HistorySample struct {
	RTTMs              float64
	PacketLossFraction float64 // 0-1
	JitterMs           float64
	BitrateSentBps     *float64
	BitrateReceivedBps *float64
	FrameWidth         uint32
	FrameHeight        uint32
	FramesPerSecond    float64
	ICEState           webrtc.ICEConnectionState

	Score int
	Level Level

	Timestamp time.Time
}

// ToHistory converts the sample to its retained form. The conversion is
// lossless apart from attaching the given timestamp.
func (s Sample) ToHistory(ts time.Time) HistorySample {
	return HistorySample{
		RTTMs:              s.RTTMs,
		PacketLossFraction: s.PacketLossPercent / 100,
		JitterMs:           s.JitterMs,
		BitrateSentBps:     s.BitrateSentBps,
		BitrateReceivedBps: s.BitrateReceivedBps,
		FrameWidth:         s.FrameWidth,
		FrameHeight:        s.FrameHeight,
		FramesPerSecond:    s.FramesPerSecond,
		ICEState:           s.ICEState,
		Score:              s.Score,
		Level:              s.Level,
		Timestamp:          ts,
	}
}

// ToSample converts back to the instantaneous form, dropping the timestamp.
func (h HistorySample) ToSample() Sample {
	return Sample{
		RTTMs:              h.RTTMs,
		PacketLossPercent:  h.PacketLossFraction * 100,
		JitterMs:           h.JitterMs,
		BitrateSentBps:     h.BitrateSentBps,
		BitrateReceivedBps: h.BitrateReceivedBps,
		FrameWidth:         h.FrameWidth,
		FrameHeight:        h.FrameHeight,
		FramesPerSecond:    h.FramesPerSecond,
		ICEState:           h.ICEState,
		Score:              h.Score,
		Level:              h.Level,
	}
}
