// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package quality

import (
	"github.com/pion/webrtc/v4"
)

type Level string

const (
	LevelExcellent    Level = "excellent"
	LevelGood         Level = "good"
	LevelFair         Level = "fair"
	LevelPoor         Level = "poor"
	LevelDisconnected Level = "disconnected"
)

// Canonical level thresholds, applied everywhere a score is bucketed.
const (
	excellentThreshold = 80
	goodThreshold      = 65
	fairThreshold      = 50
)

const minAcceptableBitrateBps = 500_000

// Score reduces a sample to a single 0-100 value. Each metric contributes
// at most one tiered penalty.
func Score(s Sample) int {
	score := 100

	switch {
	case s.RTTMs > 300:
		score -= 30
	case s.RTTMs > 150:
		score -= 15
	case s.RTTMs > 100:
		score -= 5
	}

	switch {
	case s.PacketLossPercent > 5:
		score -= 40
	case s.PacketLossPercent > 2:
		score -= 20
	case s.PacketLossPercent > 0.5:
		score -= 10
	}

	if s.FrameWidth > 0 && s.FrameHeight > 0 && (s.FrameWidth < 640 || s.FrameHeight < 480) {
		score -= 10
	}

	if s.FramesPerSecond > 0 {
		switch {
		case s.FramesPerSecond < 15:
			score -= 15
		case s.FramesPerSecond < 24:
			score -= 5
		}
	}

	if s.BitrateSentBps != nil && *s.BitrateSentBps < minAcceptableBitrateBps {
		score -= 10
	}
	if s.BitrateReceivedBps != nil && *s.BitrateReceivedBps < minAcceptableBitrateBps {
		score -= 10
	}

	if !iceUsable(s.ICEState) {
		score -= 30
	}

	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}

	return score
}

// LevelFor buckets a score. ICE states that mean no media can flow override
// the score entirely.
func LevelFor(score int, iceState webrtc.ICEConnectionState) Level {
	switch iceState {
	case webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateClosed:
		return LevelDisconnected
	}

	switch {
	case score >= excellentThreshold:
		return LevelExcellent
	case score >= goodThreshold:
		return LevelGood
	case score >= fairThreshold:
		return LevelFair
	default:
		return LevelPoor
	}
}

func iceUsable(st webrtc.ICEConnectionState) bool {
	return st == webrtc.ICEConnectionStateConnected || st == webrtc.ICEConnectionStateCompleted
}
