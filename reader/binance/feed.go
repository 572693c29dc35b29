package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	appconfig "tradestream/config"
	"tradestream/internal/channel"
	"tradestream/internal/metrics"
	"tradestream/logger"
	"tradestream/models"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

const (
	DefaultFeedURL           = "wss://fstream.binance.com/ws/btcusdt@aggTrade"
	DefaultKeepAliveInterval = time.Second
	DefaultTimeout           = 10 * time.Second
	DefaultHandshakeTimeout  = 5 * time.Second

	writeWait   = 5 * time.Second
	eventBuffer = 64
)

// ErrInvalidPacket is a text frame that is not valid JSON.
var ErrInvalidPacket = errors.New("invalid packet structure")

// TimeoutError is raised when no pong arrived within the feed timeout.
type TimeoutError struct {
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("heartbeat timeout: %s > %s", e.Elapsed, e.Limit)
}

// ConnectError wraps a failed websocket handshake.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("could not connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError wraps a read or write failure on an open connection.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Publisher receives decoded feed events. Returning channel.ErrListenerClosed
// shuts the client down.
type Publisher interface {
	Publish(msg models.AggrMessage) error
}

type eventKind int

const (
	eventText eventKind = iota
	eventPing
	eventPong
	eventKeepAlive
	eventProtocolError
)

func (k eventKind) String() string {
	switch k {
	case eventText:
		return "text"
	case eventPing:
		return "ping"
	case eventPong:
		return "pong"
	case eventKeepAlive:
		return "keep_alive"
	case eventProtocolError:
		return "protocol_error"
	}
	return "unknown"
}

type event struct {
	kind eventKind
	at   time.Time
	data []byte
	err  error
}

// wsConn is the subset of *websocket.Conn the client drives.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// FeedClient keeps a connection to the aggregated trade stream open and
// publishes every aggTrade event. Any fault reconnects with backoff.
type FeedClient struct {
	url               string
	handshakeTimeout  time.Duration
	keepAliveInterval time.Duration
	timeout           time.Duration
	backoff           *backoff.Backoff
	out               Publisher
	log               *logger.Log

	// Now is the clock used for heartbeat accounting.
	Now func() time.Time

	dial func(ctx context.Context, url string) (wsConn, error)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFeedClient creates a client for cfg that publishes to out.
func NewFeedClient(cfg appconfig.FeedConfig, out Publisher) *FeedClient {
	c := &FeedClient{
		url:               cfg.URL,
		handshakeTimeout:  cfg.HandshakeTimeout,
		keepAliveInterval: cfg.KeepAliveInterval,
		timeout:           cfg.Timeout,
		out:               out,
		log:               logger.GetLogger(),
		Now:               time.Now,
	}
	if c.url == "" {
		c.url = DefaultFeedURL
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = DefaultHandshakeTimeout
	}
	if c.keepAliveInterval <= 0 {
		c.keepAliveInterval = DefaultKeepAliveInterval
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}

	b := cfg.Backoff
	c.backoff = &backoff.Backoff{Min: b.Min, Max: b.Max, Factor: b.Factor, Jitter: b.Jitter}
	if c.backoff.Min <= 0 {
		c.backoff.Min = 100 * time.Millisecond
	}
	if c.backoff.Max <= 0 {
		c.backoff.Max = 30 * time.Second
	}
	if c.backoff.Factor <= 0 {
		c.backoff.Factor = 2
	}

	c.dial = c.dialWebsocket
	return c
}

// Start runs the client in the background until Stop or ctx is done.
func (c *FeedClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("feed client already running")
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.log.WithComponent("binance_feed").WithFields(logger.Fields{"url": c.url}).Info("starting feed client")

	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			c.log.WithComponent("binance_feed").WithError(err).Warn("feed client stopped")
		}
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
	return nil
}

// Stop cancels the client and waits for it to exit.
func (c *FeedClient) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}

	c.log.WithComponent("binance_feed").Info("stopping feed client")
	cancel()
	<-done
	c.log.WithComponent("binance_feed").Info("feed client stopped")
}

// Run connects and listens until ctx is cancelled, which returns nil, or
// the publisher is closed, which returns channel.ErrListenerClosed. Every
// other failure is logged and followed by a reconnect.
func (c *FeedClient) Run(ctx context.Context) error {
	log := c.log.WithComponent("binance_feed").WithFields(logger.Fields{"url": c.url})

	for {
		err := c.listen(ctx)
		if ctx.Err() != nil {
			log.Debug("feed client closing")
			return nil
		}
		if errors.Is(err, channel.ErrListenerClosed) {
			log.Debug("listener closed")
			return err
		}

		metrics.IncFeedFault(faultReason(err))
		metrics.IncFeedReconnect()
		delay := c.backoff.Duration()
		log.WithError(err).WithField("retry_in", delay.String()).Error("caught error while listening to updates")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *FeedClient) dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.handshakeTimeout,
	}
	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// listen runs one connection from handshake to fault.
func (c *FeedClient) listen(ctx context.Context) error {
	conn, err := c.dial(ctx, c.url)
	if err != nil {
		return &ConnectError{URL: c.url, Err: err}
	}

	log := c.log.WithComponent("binance_feed")
	log.WithField("url", c.url).Info("feed connected")
	c.backoff.Reset()
	metrics.SetFeedConnected(true)
	defer metrics.SetFeedConnected(false)

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan event, eventBuffer)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
	}()

	emit := func(ev event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	conn.SetPingHandler(func(appData string) error {
		emit(event{kind: eventPing, at: c.Now(), data: []byte(appData)})
		return nil
	})
	conn.SetPongHandler(func(string) error {
		emit(event{kind: eventPong, at: c.Now()})
		return nil
	})

	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				emit(event{kind: eventProtocolError, at: c.Now(), err: err})
				return
			}
			if typ == websocket.TextMessage && !emit(event{kind: eventText, at: c.Now(), data: data}) {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !emit(event{kind: eventKeepAlive, at: c.Now()}) {
					return
				}
			}
		}
	}()

	return c.dispatch(ctx, conn, events)
}

// dispatch handles events in arrival order. The heartbeat clock starts
// when dispatch starts and moves only on pongs.
func (c *FeedClient) dispatch(ctx context.Context, conn wsConn, events <-chan event) error {
	log := c.log.WithComponent("binance_feed")
	lastHeartbeat := c.Now()

	for {
		var ev event
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeWait)
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return ctx.Err()
		case ev = <-events:
		}

		if log.Logger.IsLevelEnabled(logrus.TraceLevel) {
			log.WithField("event", ev.kind.String()).Trace("feed event")
		}

		switch ev.kind {
		case eventText:
			msg, ok, err := decodeAggTrade(ev.data)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			metrics.IncFeedMessage()
			if err := c.out.Publish(msg); err != nil {
				return err
			}
		case eventPing:
			if err := conn.WriteControl(websocket.PongMessage, ev.data, time.Now().Add(writeWait)); err != nil {
				return &ProtocolError{Err: err}
			}
		case eventPong:
			log.Debug("pong received")
			lastHeartbeat = ev.at
		case eventKeepAlive:
			since := ev.at.Sub(lastHeartbeat)
			if since > c.timeout {
				log.WithFields(logger.Fields{"since_heartbeat": since.String(), "timeout": c.timeout.String()}).Error("heartbeat timeout")
				return &TimeoutError{Elapsed: since, Limit: c.timeout}
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return &ProtocolError{Err: err}
			}
		case eventProtocolError:
			return &ProtocolError{Err: ev.err}
		}
	}
}

// decodeAggTrade turns a text frame into an AggrMessage. Frames that are
// valid JSON but not aggTrade events are skipped without error.
func decodeAggTrade(data []byte) (models.AggrMessage, bool, error) {
	if !json.Valid(data) {
		return models.AggrMessage{}, false, fmt.Errorf("%w: %q", ErrInvalidPacket, truncate(data))
	}

	var ev futures.WsAggTradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.AggrMessage{}, false, nil
	}
	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, &present); err != nil {
		return models.AggrMessage{}, false, nil
	}

	if ev.Event != "aggTrade" || ev.Symbol == "" {
		return models.AggrMessage{}, false, nil
	}
	for _, key := range []string{"T", "a", "p"} {
		if _, ok := present[key]; !ok {
			return models.AggrMessage{}, false, nil
		}
	}
	if ev.AggregateTradeID < 0 || ev.TradeTime < 0 {
		return models.AggrMessage{}, false, nil
	}
	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil {
		return models.AggrMessage{}, false, nil
	}

	return models.AggrMessage{
		Symbol:    ev.Symbol,
		Timestamp: time.UnixMilli(ev.TradeTime).UTC(),
		TradeID:   uint64(ev.AggregateTradeID),
		Price:     price,
	}, true, nil
}

func faultReason(err error) string {
	var (
		timeout  *TimeoutError
		connect  *ConnectError
		protocol *ProtocolError
	)
	switch {
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &connect):
		return "connect"
	case errors.As(err, &protocol):
		return "protocol"
	case errors.Is(err, ErrInvalidPacket):
		return "invalid_packet"
	default:
		return "other"
	}
}

func truncate(b []byte) []byte {
	if len(b) > 64 {
		return b[:64]
	}
	return b
}
