// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/teleclinic/rtckit/signal"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type RedisClientConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password is optional.
	Password string
	// DB selects the Redis logical database.
	DB int
	// SessionID selects the session topic to subscribe to.
	SessionID string
	// UserID identifies the local participant. Pub/sub delivers our own
	// messages back, they are dropped by sender id.
	UserID string
	// SendRate caps outbound messages per second. Zero means the default.
	SendRate float64
	// SendBurst is the short-term burst allowance on top of SendRate.
	SendBurst int
}

func (c *RedisClientConfig) SetDefaults() {
	if c.SendRate == 0 {
		c.SendRate = defaultSendRate
	}
	if c.SendBurst == 0 {
		c.SendBurst = defaultSendBurst
	}
}

func (c RedisClientConfig) IsValid() error {
	if c.Addr == "" {
		return fmt.Errorf("invalid Addr value: should not be empty")
	}

	if c.SessionID == "" {
		return fmt.Errorf("invalid SessionID value: should not be empty")
	}

	if c.UserID == "" {
		return fmt.Errorf("invalid UserID value: should not be empty")
	}

	if c.SendRate < 0 {
		return fmt.Errorf("invalid SendRate value: should not be negative")
	}

	if c.SendBurst < 0 {
		return fmt.Errorf("invalid SendBurst value: should not be negative")
	}

	return nil
}

// RedisClient is a Transport over Redis pub/sub. Every participant
// subscribes to the session topic and publishes to the same.
type RedisClient struct {
	cfg RedisClientConfig
	log mlog.LoggerIFace

	rdb     *redis.Client
	pubsub  *redis.PubSub
	limiter *rate.Limiter

	receiveCh  chan signal.Message
	presenceCh chan PresenceEvent
	wg         sync.WaitGroup
	connState  int32
}

func NewRedisClient(log mlog.LoggerIFace, cfg RedisClientConfig) (*RedisClient, error) {
	cfg.SetDefaults()
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	return &RedisClient{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
	}, nil
}

// Connect opens the client and subscribes to the session topic. The
// subscription is confirmed before returning so no message published after
// Connect is missed.
func (c *RedisClient) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.connState, wsConnClosed, wsConnOpen) {
		return fmt.Errorf("transport is already connected")
	}

	c.rdb = redis.NewClient(&redis.Options{
		Addr:     c.cfg.Addr,
		Password: c.cfg.Password,
		DB:       c.cfg.DB,
	})

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		atomic.StoreInt32(&c.connState, wsConnClosed)
		return fmt.Errorf("failed to ping: %w", err)
	}

	c.pubsub = c.rdb.Subscribe(ctx, SessionTopic(c.cfg.SessionID))
	if _, err := c.pubsub.Receive(ctx); err != nil {
		atomic.StoreInt32(&c.connState, wsConnClosed)
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.receiveCh = make(chan signal.Message, receiveChSize)
	c.presenceCh = make(chan PresenceEvent, presenceChSize)

	c.wg.Add(1)
	go c.reader()

	return nil
}

func (c *RedisClient) reader() {
	defer func() {
		close(c.receiveCh)
		close(c.presenceCh)
		c.wg.Done()
		atomic.StoreInt32(&c.connState, wsConnClosed)
	}()

	for redisMsg := range c.pubsub.Channel() {
		var msg signal.Message
		if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
			c.log.Warn("failed to unmarshal message, dropping", mlog.Err(err))
			continue
		}

		if msg.SenderID == c.cfg.UserID {
			continue
		}

		if ev, ok := routePresence(msg); ok {
			select {
			case c.presenceCh <- ev:
			default:
				c.log.Error("failed to route presence event: channel is full")
			}
			continue
		}

		select {
		case c.receiveCh <- msg:
		default:
			c.log.Error("failed to route message: channel is full")
		}
	}
}

// Send publishes a message to the session topic. While disconnected it
// fails fast with ErrNotConnected.
func (c *RedisClient) Send(msg signal.Message) error {
	if atomic.LoadInt32(&c.connState) != wsConnOpen {
		return ErrNotConnected
	}

	if !c.limiter.Allow() {
		return ErrRateLimited
	}

	data, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := c.rdb.Publish(context.Background(), SessionTopic(c.cfg.SessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

func (c *RedisClient) ReceiveCh() <-chan signal.Message {
	return c.receiveCh
}

func (c *RedisClient) PresenceCh() <-chan PresenceEvent {
	return c.presenceCh
}

func (c *RedisClient) Connected() bool {
	return atomic.LoadInt32(&c.connState) == wsConnOpen
}

// Disconnect unsubscribes and closes the client. It is idempotent.
func (c *RedisClient) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&c.connState, wsConnOpen, wsConnClosing) {
		return nil
	}

	if err := c.pubsub.Close(); err != nil {
		c.log.Error("failed to close pubsub", mlog.Err(err))
	}
	c.wg.Wait()

	return c.rdb.Close()
}
