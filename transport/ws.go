// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teleclinic/rtckit/signal"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"golang.org/x/time/rate"
)

const (
	sendChSize       = 256
	receiveChSize    = 256
	presenceChSize   = 64
	connMaxReadBytes = 1 << 20
	writeWaitTime    = 10 * time.Second

	defaultSendRate  = 50
	defaultSendBurst = 100
)

const (
	wsConnClosed int32 = iota
	wsConnOpen
	wsConnClosing
)

type WSClientConfig struct {
	// URL specifies the WebSocket URL to connect to.
	// Should start with either `ws://` or `wss://`.
	URL string
	// AuthToken specifies the token to be used to authenticate
	// the connection.
	AuthToken string
	// SessionID selects the session topic to subscribe to.
	SessionID string
	// UserID identifies the local participant. Messages echoed back with
	// this sender id are dropped.
	UserID string
	// SendRate caps outbound messages per second. Zero means the default.
	SendRate float64
	// SendBurst is the short-term burst allowance on top of SendRate.
	SendBurst int
}

func (c *WSClientConfig) SetDefaults() {
	if c.SendRate == 0 {
		c.SendRate = defaultSendRate
	}
	if c.SendBurst == 0 {
		c.SendBurst = defaultSendBurst
	}
}

func (c WSClientConfig) IsValid() error {
	if c.URL == "" {
		return fmt.Errorf("invalid URL value: should not be empty")
	}

	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return fmt.Errorf(`invalid URL value: should start with "ws://" or "wss://"`)
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

// WSClient is a Transport over a WebSocket connection to a signaling
// server that fans messages out to all subscribers of the session topic.
type WSClient struct {
	cfg WSClientConfig
	log mlog.LoggerIFace

	ws      *websocket.Conn
	limiter *rate.Limiter

	sendCh     chan signal.Message
	receiveCh  chan signal.Message
	presenceCh chan PresenceEvent
	closeCh    chan struct{}
	wg         sync.WaitGroup
	connState  int32
}

func NewWSClient(log mlog.LoggerIFace, cfg WSClientConfig) (*WSClient, error) {
	cfg.SetDefaults()
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	return &WSClient{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
	}, nil
}

// Connect dials the signaling server and subscribes to the session topic.
func (c *WSClient) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.connState, wsConnClosed, wsConnOpen) {
		return fmt.Errorf("transport is already connected")
	}

	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	header.Set("X-Session-Topic", SessionTopic(c.cfg.SessionID))

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		atomic.StoreInt32(&c.connState, wsConnClosed)
		return fmt.Errorf("failed to dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.ws = ws
	c.sendCh = make(chan signal.Message, sendChSize)
	c.receiveCh = make(chan signal.Message, receiveChSize)
	c.presenceCh = make(chan PresenceEvent, presenceChSize)
	c.closeCh = make(chan struct{})

	c.wg.Add(2)
	go c.connReader()
	go c.connWriter()

	return nil
}

func (c *WSClient) connReader() {
	// The reader owns closeCh: when the connection dies, server side or
	// ours, closing it here is what stops the writer.
	defer func() {
		close(c.receiveCh)
		close(c.presenceCh)
		close(c.closeCh)
		c.wg.Done()
		atomic.StoreInt32(&c.connState, wsConnClosed)
	}()

	c.ws.SetReadLimit(connMaxReadBytes)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if atomic.LoadInt32(&c.connState) == wsConnOpen {
				c.log.Error("failed to read message", mlog.Err(err))
			}
			return
		}

		var msg signal.Message
		if err := json.Unmarshal(data, &msg); err != nil {
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

func (c *WSClient) connWriter() {
	defer c.wg.Done()

	for {
		select {
		case msg := <-c.sendCh:
			data, err := json.Marshal(&msg)
			if err != nil {
				c.log.Error("failed to marshal message", mlog.Err(err))
				continue
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWaitTime)); err != nil {
				c.log.Error("failed to set write deadline", mlog.Err(err))
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error("failed to write message", mlog.Err(err))
			}
		case <-c.closeCh:
			return
		}
	}
}

// Send publishes a message to the session topic. While disconnected it
// fails fast with ErrNotConnected rather than blocking or panicking.
func (c *WSClient) Send(msg signal.Message) error {
	if atomic.LoadInt32(&c.connState) != wsConnOpen {
		return ErrNotConnected
	}

	if !c.limiter.Allow() {
		return ErrRateLimited
	}

	select {
	case c.sendCh <- msg:
	default:
		return fmt.Errorf("failed to send message: channel is full")
	}

	return nil
}

func (c *WSClient) ReceiveCh() <-chan signal.Message {
	return c.receiveCh
}

func (c *WSClient) PresenceCh() <-chan PresenceEvent {
	return c.presenceCh
}

func (c *WSClient) Connected() bool {
	return atomic.LoadInt32(&c.connState) == wsConnOpen
}

// Disconnect closes the connection. It is idempotent, and a no-op when the
// server already dropped us and the reader tore the connection down.
func (c *WSClient) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&c.connState, wsConnOpen, wsConnClosing) {
		return nil
	}

	err := c.ws.Close()
	c.wg.Wait()
	atomic.StoreInt32(&c.connState, wsConnClosed)

	return err
}
