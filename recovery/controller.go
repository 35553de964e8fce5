// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// Mode describes which media kinds an attempt managed to acquire.
type Mode string

const (
	ModeBoth      Mode = "both"
	ModeVideoOnly Mode = "video-only"
	ModeAudioOnly Mode = "audio-only"
)

const DefaultMaxAttempts = 5

var (
	// ErrRecoveryInProgress is returned when a recovery attempt is already
	// running. The caller should not retry; the running attempt will report
	// its own outcome.
	ErrRecoveryInProgress = errors.New("recovery already in progress")
	// ErrRecoveryDisabled is returned once attempts have been exhausted.
	// Only a Reset (i.e. an explicit user action) re-arms the controller.
	ErrRecoveryDisabled = errors.New("recovery disabled, manual rejoin required")
	// ErrNoDevices is terminal. Retrying cannot help until the user plugs
	// in or enables a capture device.
	ErrNoDevices = errors.New("no media devices available")
)

// Controller states.
const (
	stateIdle int32 = iota
	stateRecovering
	stateDisabled
)

// Result reports a successful recovery and the degradation mode it settled
// on.
type Result struct {
	Mode     Mode
	HasVideo bool
	HasAudio bool
}

// DeviceChecker reports which capture device kinds are currently present.
// Enumeration does not prompt for permissions.
type DeviceChecker interface {
	CheckDevices(ctx context.Context) (hasCamera bool, hasMic bool, err error)
}

// MediaAcquirer attempts to (re)acquire capture media with the given kinds
// enabled. Acquisition failures include permission denials.
type MediaAcquirer interface {
	Acquire(ctx context.Context, video, audio bool) error
}

type Metrics interface {
	IncRecoveryAttempts(result string)
}

type Config struct {
	// MaxAttempts bounds consecutive failed attempts before the controller
	// disables itself.
	MaxAttempts int
}

func (c *Config) SetDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

func (c Config) IsValid() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("invalid MaxAttempts value: should be greater than zero")
	}
	return nil
}

// Controller drives connection recovery: re-check devices, re-acquire media
// with graceful degradation, then hand off to the rejoin callback. At most
// one recovery runs at a time.
type Controller struct {
	cfg     Config
	log     mlog.LoggerIFace
	devices DeviceChecker
	media   MediaAcquirer
	rejoin  func(ctx context.Context) error
	metrics Metrics

	state    int32
	attempts int32
}

func NewController(log mlog.LoggerIFace, cfg Config, devices DeviceChecker, media MediaAcquirer,
	rejoin func(ctx context.Context) error, metrics Metrics) (*Controller, error) {
	cfg.SetDefaults()
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if devices == nil {
		return nil, errors.New("devices should not be nil")
	}
	if media == nil {
		return nil, errors.New("media should not be nil")
	}
	if rejoin == nil {
		return nil, errors.New("rejoin should not be nil")
	}

	return &Controller{
		cfg:     cfg,
		log:     log,
		devices: devices,
		media:   media,
		rejoin:  rejoin,
		metrics: metrics,
	}, nil
}

// Recover runs the recovery loop until it succeeds, exhausts the configured
// attempts or hits a terminal condition. A second call while one is running
// fails immediately with ErrRecoveryInProgress.
func (c *Controller) Recover(ctx context.Context) (Result, error) {
	if !atomic.CompareAndSwapInt32(&c.state, stateIdle, stateRecovering) {
		if atomic.LoadInt32(&c.state) == stateDisabled {
			return Result{}, ErrRecoveryDisabled
		}
		return Result{}, ErrRecoveryInProgress
	}

	for {
		attempt := int(atomic.LoadInt32(&c.attempts))
		if attempt >= c.cfg.MaxAttempts {
			atomic.StoreInt32(&c.state, stateDisabled)
			c.reportAttempt("exhausted")
			return Result{}, ErrRecoveryDisabled
		}

		// No wait ahead of the first attempt. Later attempts back off
		// exponentially from the failure count.
		if attempt > 0 {
			if err := c.wait(ctx, Backoff(attempt-1)); err != nil {
				atomic.StoreInt32(&c.state, stateIdle)
				return Result{}, err
			}
		}

		c.log.Debug("starting recovery attempt", mlog.Int("attempt", attempt))

		res, err := c.attemptOnce(ctx)
		if err == nil {
			atomic.StoreInt32(&c.attempts, 0)
			atomic.StoreInt32(&c.state, stateIdle)
			c.reportAttempt("success")
			c.log.Info("recovery succeeded", mlog.String("mode", string(res.Mode)))
			return res, nil
		}

		if errors.Is(err, ErrNoDevices) {
			atomic.StoreInt32(&c.state, stateDisabled)
			c.reportAttempt("no_devices")
			return Result{}, err
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			atomic.StoreInt32(&c.state, stateIdle)
			return Result{}, err
		}

		atomic.AddInt32(&c.attempts, 1)
		c.reportAttempt("failure")
		c.log.Warn("recovery attempt failed", mlog.Int("attempt", attempt), mlog.Err(err))
	}
}

// Reset re-arms the controller after a manual user action, clearing the
// attempt counter. It has no effect while a recovery is running.
func (c *Controller) Reset() {
	if atomic.CompareAndSwapInt32(&c.state, stateDisabled, stateIdle) {
		atomic.StoreInt32(&c.attempts, 0)
		return
	}
	if atomic.LoadInt32(&c.state) == stateIdle {
		atomic.StoreInt32(&c.attempts, 0)
	}
}

// Recovering reports whether an attempt is currently running.
func (c *Controller) Recovering() bool {
	return atomic.LoadInt32(&c.state) == stateRecovering
}

// Disabled reports whether attempts have been exhausted.
func (c *Controller) Disabled() bool {
	return atomic.LoadInt32(&c.state) == stateDisabled
}

func (c *Controller) attemptOnce(ctx context.Context) (Result, error) {
	hasCamera, hasMic, err := c.devices.CheckDevices(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	if !hasCamera && !hasMic {
		return Result{}, ErrNoDevices
	}

	res, err := c.acquire(ctx, hasCamera, hasMic)
	if err != nil {
		return Result{}, err
	}

	if err := c.rejoin(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to rejoin: %w", err)
	}

	return res, nil
}

// acquire walks the degradation ladder, both media first, then video only,
// then audio only. Rungs whose device kind is missing are skipped.
func (c *Controller) acquire(ctx context.Context, hasCamera, hasMic bool) (Result, error) {
	modes := []Result{
		{Mode: ModeBoth, HasVideo: true, HasAudio: true},
		{Mode: ModeVideoOnly, HasVideo: true},
		{Mode: ModeAudioOnly, HasAudio: true},
	}

	var lastErr error
	for _, res := range modes {
		if res.HasVideo && !hasCamera {
			continue
		}
		if res.HasAudio && !hasMic {
			continue
		}

		if err := c.media.Acquire(ctx, res.HasVideo, res.HasAudio); err != nil {
			lastErr = err
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Result{}, err
			}
			c.log.Debug("media acquisition failed, degrading",
				mlog.String("mode", string(res.Mode)), mlog.Err(err))
			continue
		}

		return res, nil
	}

	if lastErr == nil {
		lastErr = ErrNoDevices
	}

	return Result{}, fmt.Errorf("failed to acquire media: %w", lastErr)
}

func (c *Controller) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) reportAttempt(result string) {
	if c.metrics != nil {
		c.metrics.IncRecoveryAttempts(result)
	}
}
