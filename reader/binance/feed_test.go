package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appconfig "tradestream/config"
	"tradestream/internal/channel"
	"tradestream/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const aggTradeFrame = `{
	"e": "aggTrade",
	"E": 1663191423013,
	"s": "BTCUSDT",
	"a": 1556789983,
	"p": "20025.58000000",
	"q": "0.13400000",
	"f": 1816909525,
	"l": 1816909527,
	"T": 1663191423013,
	"m": false,
	"M": true
}`

type control struct {
	kind int
	data []byte
}

type fakeConn struct {
	mu       sync.Mutex
	controls []control
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("closed")
}

func (f *fakeConn) WriteControl(kind int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, control{kind: kind, data: data})
	return nil
}

func (f *fakeConn) SetPingHandler(func(string) error) {}
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) count(kind int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.controls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []models.AggrMessage
	err  error
	got  chan struct{}
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{got: make(chan struct{}, 16)}
}

func (p *recordingPublisher) Publish(msg models.AggrMessage) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	err := p.err
	p.mu.Unlock()
	select {
	case p.got <- struct{}{}:
	default:
	}
	return err
}

func (p *recordingPublisher) messages() []models.AggrMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.AggrMessage(nil), p.msgs...)
}

func testFeedConfig(url string) appconfig.FeedConfig {
	return appconfig.FeedConfig{
		Enabled:           true,
		URL:               url,
		HandshakeTimeout:  2 * time.Second,
		KeepAliveInterval: time.Second,
		Timeout:           10 * time.Second,
		Backoff:           appconfig.BackoffConfig{Min: time.Millisecond, Max: 10 * time.Millisecond, Factor: 2},
	}
}

func startDispatch(t *testing.T, c *FeedClient, conn wsConn) (context.CancelFunc, chan event, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan event)
	errc := make(chan error, 1)
	go func() { errc <- c.dispatch(ctx, conn, events) }()
	return cancel, events, errc
}

func TestDispatchNoTimeoutWhilePongsArrive(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewFeedClient(testFeedConfig(""), newRecordingPublisher())
	c.Now = func() time.Time { return start }
	conn := newFakeConn()

	cancel, events, errc := startDispatch(t, c, conn)
	for i := 1; i <= 30; i++ {
		tick := start.Add(time.Duration(i) * time.Second)
		events <- event{kind: eventPong, at: tick.Add(-100 * time.Millisecond)}
		events <- event{kind: eventKeepAlive, at: tick}
	}
	cancel()

	err := <-errc
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 30, conn.count(websocket.PingMessage))
	assert.Equal(t, 1, conn.count(websocket.CloseMessage))
}

func TestDispatchTimesOutWithoutPongs(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewFeedClient(testFeedConfig(""), newRecordingPublisher())
	c.Now = func() time.Time { return start }
	conn := newFakeConn()

	cancel, events, errc := startDispatch(t, c, conn)
	defer cancel()

	var (
		err   error
		ticks int
	)
loop:
	for i := 1; i <= 30; i++ {
		select {
		case events <- event{kind: eventKeepAlive, at: start.Add(time.Duration(i) * time.Second)}:
			ticks = i
		case err = <-errc:
			break loop
		}
	}

	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.GreaterOrEqual(t, ticks, 10)
	assert.LessOrEqual(t, ticks, 11)
	assert.Equal(t, 11*time.Second, terr.Elapsed)
	assert.Equal(t, 10, conn.count(websocket.PingMessage))
}

func TestDispatchAnswersPing(t *testing.T) {
	c := NewFeedClient(testFeedConfig(""), newRecordingPublisher())
	conn := newFakeConn()

	cancel, events, errc := startDispatch(t, c, conn)
	events <- event{kind: eventPing, at: time.Now(), data: []byte("hb")}
	cancel()
	<-errc

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.NotEmpty(t, conn.controls)
	assert.Equal(t, websocket.PongMessage, conn.controls[0].kind)
	assert.Equal(t, []byte("hb"), conn.controls[0].data)
}

func TestDispatchPublishesInOrder(t *testing.T) {
	pub := newRecordingPublisher()
	c := NewFeedClient(testFeedConfig(""), pub)
	conn := newFakeConn()

	cancel, events, errc := startDispatch(t, c, conn)
	events <- event{kind: eventText, data: []byte(`{"e":"aggTrade","s":"BTCUSDT","a":1,"p":"1.5","T":1}`)}
	events <- event{kind: eventText, data: []byte(`{"result":null,"id":1}`)}
	events <- event{kind: eventText, data: []byte(`{"e":"markPriceUpdate","s":"BTCUSDT"}`)}
	events <- event{kind: eventText, data: []byte(`{"e":"aggTrade","s":"BTCUSDT","a":2,"p":"2.5","T":2}`)}
	cancel()
	<-errc

	msgs := pub.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(1), msgs[0].TradeID)
	assert.Equal(t, uint64(2), msgs[1].TradeID)
}

func TestDispatchInvalidPacketFaults(t *testing.T) {
	c := NewFeedClient(testFeedConfig(""), newRecordingPublisher())
	cancel, events, errc := startDispatch(t, c, newFakeConn())
	defer cancel()

	events <- event{kind: eventText, data: []byte("{not json")}
	assert.ErrorIs(t, <-errc, ErrInvalidPacket)
}

func TestDispatchProtocolErrorFaults(t *testing.T) {
	c := NewFeedClient(testFeedConfig(""), newRecordingPublisher())
	cancel, events, errc := startDispatch(t, c, newFakeConn())
	defer cancel()

	events <- event{kind: eventProtocolError, err: errors.New("reset")}
	var perr *ProtocolError
	assert.ErrorAs(t, <-errc, &perr)
}

func TestDispatchListenerClosed(t *testing.T) {
	pub := newRecordingPublisher()
	pub.err = channel.ErrListenerClosed
	c := NewFeedClient(testFeedConfig(""), pub)
	cancel, events, errc := startDispatch(t, c, newFakeConn())
	defer cancel()

	events <- event{kind: eventText, data: []byte(aggTradeFrame)}
	assert.ErrorIs(t, <-errc, channel.ErrListenerClosed)
}

func TestDecodeAggTrade(t *testing.T) {
	msg, ok, err := decodeAggTrade([]byte(aggTradeFrame))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.AggrMessage{
		Symbol:    "BTCUSDT",
		Timestamp: time.UnixMilli(1663191423013).UTC(),
		TradeID:   1556789983,
		Price:     20025.58,
	}, msg)

	for _, frame := range []string{`[]`, `"text"`, `{"e":"aggTrade","s":"X","a":1,"T":1}`, `{"e":"aggTrade","s":"X","a":1,"p":"nan?","T":1}`} {
		_, ok, err := decodeAggTrade([]byte(frame))
		assert.NoError(t, err, frame)
		assert.False(t, ok, frame)
	}
}

// feedServer upgrades every connection and hands it to serve.
func feedServer(t *testing.T, serve func(n int, conn *websocket.Conn)) (*httptest.Server, *int32) {
	t.Helper()
	var conns int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(int(atomic.AddInt32(&conns, 1)), conn)
	}))
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain reads until the peer goes away so pings get answered.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestRunPublishesAndStopsOnCancel(t *testing.T) {
	srv, _ := feedServer(t, func(_ int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(aggTradeFrame))
		drain(conn)
	})
	defer srv.Close()

	pub := newRecordingPublisher()
	c := NewFeedClient(testFeedConfig(wsURL(srv)), pub)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-pub.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no message published")
	}
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, "BTCUSDT", pub.messages()[0].Symbol)
}

func TestRunReconnectsAfterFault(t *testing.T) {
	srv, conns := feedServer(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		} else {
			conn.WriteMessage(websocket.TextMessage, []byte(aggTradeFrame))
		}
		drain(conn)
	})
	defer srv.Close()

	pub := newRecordingPublisher()
	c := NewFeedClient(testFeedConfig(wsURL(srv)), pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-pub.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no message after reconnect")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(conns), int32(2))
}

func TestRunTerminatesWhenListenerClosed(t *testing.T) {
	srv, _ := feedServer(t, func(_ int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(aggTradeFrame))
		drain(conn)
	})
	defer srv.Close()

	b := channel.NewBroadcaster()
	b.Close()
	c := NewFeedClient(testFeedConfig(wsURL(srv)), b)

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, channel.ErrListenerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept reconnecting after the listener closed")
	}
}

func TestRunRetriesFailedHandshake(t *testing.T) {
	var attempts int32
	c := NewFeedClient(testFeedConfig("ws://unused"), newRecordingPublisher())
	c.dial = func(ctx context.Context, url string) (wsConn, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.Run(ctx))
	assert.Greater(t, atomic.LoadInt32(&attempts), int32(1))
}

func TestStartStop(t *testing.T) {
	c := NewFeedClient(testFeedConfig("ws://unused"), newRecordingPublisher())
	c.dial = func(ctx context.Context, url string) (wsConn, error) {
		return nil, errors.New("refused")
	}

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	c.Stop()
	require.NoError(t, c.Start(context.Background()))
	c.Stop()
}
