// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
)

type DeviceKind string

const (
	DeviceKindVideoInput DeviceKind = "videoinput"
	DeviceKindAudioInput DeviceKind = "audioinput"
)

type DeviceInfo struct {
	ID    string
	Label string
	Kind  DeviceKind
}

// Constraints selects which media kinds to capture and, optionally, the
// specific devices to capture them from.
type Constraints struct {
	Video         bool
	Audio         bool
	VideoDeviceID string
	AudioDeviceID string
}

// DeviceManager abstracts the platform capture APIs. All operations are
// fallible and may block for a long time, callers bound them with a
// context.
type DeviceManager interface {
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
	GetUserMedia(ctx context.Context, c Constraints) ([]*Track, error)
	GetDisplayMedia(ctx context.Context) ([]*Track, error)
}

// HasCaptureDevices enumerates and reports camera/microphone presence.
func HasCaptureDevices(ctx context.Context, dm DeviceManager) (hasCamera bool, hasMic bool, err error) {
	devices, err := dm.EnumerateDevices(ctx)
	if err != nil {
		return false, false, err
	}

	for _, d := range devices {
		switch d.Kind {
		case DeviceKindVideoInput:
			hasCamera = true
		case DeviceKindAudioInput:
			hasMic = true
		}
	}

	return hasCamera, hasMic, nil
}

type systemDeviceManager struct {
	log      mlog.LoggerIFace
	selector *mediadevices.CodecSelector
}

// NewSystemDeviceManager returns a DeviceManager backed by the host capture
// devices, encoding video as VP8 and audio as Opus.
func NewSystemDeviceManager(log mlog.LoggerIFace) (DeviceManager, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &systemDeviceManager{
		log:      log,
		selector: selector,
	}, nil
}

func (m *systemDeviceManager) EnumerateDevices(_ context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		var kind DeviceKind
		switch d.Kind {
		case mediadevices.VideoInput:
			kind = DeviceKindVideoInput
		case mediadevices.AudioInput:
			kind = DeviceKindAudioInput
		default:
			continue
		}
		out = append(out, DeviceInfo{
			ID:    d.DeviceID,
			Label: d.Label,
			Kind:  kind,
		})
	}
	return out, nil
}

func (m *systemDeviceManager) GetUserMedia(ctx context.Context, c Constraints) ([]*Track, error) {
	if !c.Video && !c.Audio {
		return nil, errors.New("at least one media kind should be requested")
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: m.selector,
	}
	if c.Video {
		constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			if c.VideoDeviceID != "" {
				mtc.DeviceID = prop.String(c.VideoDeviceID)
			}
			mtc.Width = prop.Int(1280)
			mtc.Height = prop.Int(720)
			mtc.FrameRate = prop.Float(30)
		}
	}
	if c.Audio {
		constraints.Audio = func(mtc *mediadevices.MediaTrackConstraints) {
			if c.AudioDeviceID != "" {
				mtc.DeviceID = prop.String(c.AudioDeviceID)
			}
			mtc.SampleRate = prop.Int(48000)
		}
	}

	stream, err := m.acquire(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
	if err != nil {
		return nil, ClassifyError(err)
	}

	return wrapStream(stream, false), nil
}

func (m *systemDeviceManager) GetDisplayMedia(ctx context.Context) ([]*Track, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: m.selector,
		Video: func(mtc *mediadevices.MediaTrackConstraints) {
			mtc.FrameRate = prop.Float(15)
		},
	}

	stream, err := m.acquire(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(constraints)
	})
	if err != nil {
		return nil, ClassifyError(err)
	}

	return wrapStream(stream, true), nil
}

// acquire runs the blocking capture call and enforces the caller's
// deadline. On timeout the late result, if any, is closed to avoid leaking
// a running capture.
func (m *systemDeviceManager) acquire(ctx context.Context, f func() (mediadevices.MediaStream, error)) (mediadevices.MediaStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}

	resCh := make(chan result, 1)
	go func() {
		stream, err := f()
		resCh <- result{stream: stream, err: err}
	}()

	select {
	case res := <-resCh:
		return res.stream, res.err
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.stream != nil {
				for _, track := range res.stream.GetTracks() {
					if err := track.Close(); err != nil {
						m.log.Error("failed to close late track", mlog.Err(err))
					}
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func wrapStream(stream mediadevices.MediaStream, screen bool) []*Track {
	var out []*Track
	for _, t := range stream.GetTracks() {
		if screen {
			out = append(out, newScreenTrack(t))
		} else {
			out = append(out, NewTrack(t))
		}
	}
	return out
}
