// Package wsfeed keeps one websocket connection to an exchange alive,
// decodes its frames and fans normalized records out to consumers.
package wsfeed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/metrics"
	"go.uber.org/zap"
)

// Protocol is the venue-specific part of a websocket feed.
type Protocol interface {
	URL() string
	// Handshake returns frames sent right after the connection opens, before any subscription.
	Handshake(now time.Time) ([][]byte, error)
	// Subscribe returns the frames subscribing to topics.
	Subscribe(topics []string) [][]byte
	// Decode parses one decompressed frame.
	Decode(frame []byte) (Message, error)
}

// Message is the result of decoding one frame.
type Message struct {
	// Reply is written back as is, e.g. a pong echoing the ping payload.
	Reply   []byte
	Ticks   []market.Tick
	Level2  []market.Level2Update
	Candles []market.Candle
	Orders  []market.OrderUpdate
}

// Consumers implement any subset of these. Callbacks run on the decoder
// goroutine and must only buffer and return.
type (
	TickConsumer   interface{ OnTick(market.Tick) }
	Level2Consumer interface{ OnLevel2([]market.Level2Update) }
	CandleConsumer interface{ OnCandle(market.Candle) }
	OrderConsumer  interface{ OnOrderUpdate(market.OrderUpdate) }
)

// Options tunes connection supervision.
type Options struct {
	ResubscribeInterval time.Duration
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
}

// Feed supervises one websocket connection.
type Feed struct {
	name    string
	proto   Protocol
	opts    Options
	dialer  *websocket.Dialer
	logger  *zap.Logger
	metrics metrics.Sink

	mu        sync.Mutex
	topics    []string
	ticks     []TickConsumer
	level2    []Level2Consumer
	candles   []CandleConsumer
	orders    []OrderConsumer
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex
}

// New creates a feed; Run connects it.
func New(name string, proto Protocol, opts Options, logger *zap.Logger, sink metrics.Sink) *Feed {
	if opts.ResubscribeInterval <= 0 {
		opts.ResubscribeInterval = 60 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Feed{
		name:    name,
		proto:   proto,
		opts:    opts,
		dialer:  websocket.DefaultDialer,
		logger:  logger.Named("ws-" + name),
		metrics: sink,
	}
}

// Register adds a consumer for every callback it implements.
func (f *Feed) Register(consumer any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := consumer.(TickConsumer); ok {
		f.ticks = append(f.ticks, c)
	}
	if c, ok := consumer.(Level2Consumer); ok {
		f.level2 = append(f.level2, c)
	}
	if c, ok := consumer.(CandleConsumer); ok {
		f.candles = append(f.candles, c)
	}
	if c, ok := consumer.(OrderConsumer); ok {
		f.orders = append(f.orders, c)
	}
}

// SetTopics replaces the topic set. A live connection subscribes right away;
// reconnects always subscribe the last set.
func (f *Feed) SetTopics(topics ...string) {
	f.mu.Lock()
	f.topics = append([]string(nil), topics...)
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		if err := f.subscribe(conn); err != nil {
			f.logger.Warn("Failed to subscribe", zap.Error(err))
		}
	}
}

// Topics returns the current topic set.
func (f *Feed) Topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.topics...)
}

// Connected reports whether a session is established.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Run keeps the connection alive until ctx is done, reconnecting with
// exponential backoff and jitter.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.opts.InitialBackoff
	for {
		started := time.Now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			f.logger.Info("Websocket feed stopped")
			return nil
		}
		f.metrics.IncCounter("ws.reconnects", "feed", f.name)
		// A session that lived long enough resets the backoff.
		if time.Since(started) > f.opts.MaxBackoff {
			backoff = f.opts.InitialBackoff
		}
		delay := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		f.logger.Warn("Websocket closed, reconnecting", zap.Error(err), zap.Duration("retry_after", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > f.opts.MaxBackoff {
			backoff = f.opts.MaxBackoff
		}
	}
}

// session runs one connection from dial to close.
func (f *Feed) session(ctx context.Context) error {
	url := f.proto.URL()
	conn, _, err := f.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	f.logger.Info("Websocket connected", zap.String("url", url))

	handshake, err := f.proto.Handshake(time.Now())
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	for _, frame := range handshake {
		if err := f.write(conn, frame); err != nil {
			conn.Close()
			return fmt.Errorf("handshake: %w", err)
		}
	}
	if err := f.subscribe(conn); err != nil {
		conn.Close()
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.connected = false
		f.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go f.keepSubscribed(ctx, conn, done)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handle(conn, frame)
	}
}

// keepSubscribed reasserts subscriptions periodically and closes the
// connection when ctx is done, which unblocks the reader.
func (f *Feed) keepSubscribed(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.opts.ResubscribeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			f.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			f.writeMu.Unlock()
			conn.Close()
			return
		case <-ticker.C:
			if err := f.subscribe(conn); err != nil {
				f.logger.Warn("Resubscribe failed", zap.Error(err))
			}
		}
	}
}

func (f *Feed) subscribe(conn *websocket.Conn) error {
	topics := f.Topics()
	if len(topics) == 0 {
		return nil
	}
	for _, frame := range f.proto.Subscribe(topics) {
		if err := f.write(conn, frame); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	f.logger.Debug("Subscribed", zap.Strings("topics", topics))
	return nil
}

func (f *Feed) write(conn *websocket.Conn, frame []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// handle decodes a frame and dispatches it. Errors never leave this function.
func (f *Feed) handle(conn *websocket.Conn, frame []byte) {
	data, err := Decompress(frame)
	if err != nil {
		f.logger.Warn("Dropping undecodable frame", zap.Error(err))
		f.metrics.IncCounter("ws.decode_errors", "feed", f.name)
		return
	}
	msg, err := f.proto.Decode(data)
	if err != nil {
		f.logger.Warn("Dropping frame", zap.Error(err), zap.ByteString("frame", truncate(data, 256)))
		f.metrics.IncCounter("ws.decode_errors", "feed", f.name)
		return
	}
	if msg.Reply != nil {
		if err := f.write(conn, msg.Reply); err != nil {
			f.logger.Warn("Failed to reply", zap.Error(err))
		}
	}
	f.dispatch(msg)
}

func (f *Feed) dispatch(msg Message) {
	f.mu.Lock()
	ticks, level2, candles, orders := f.ticks, f.level2, f.candles, f.orders
	f.mu.Unlock()

	for _, t := range msg.Ticks {
		for _, c := range ticks {
			c.OnTick(t)
		}
	}
	if len(msg.Level2) > 0 {
		for _, c := range level2 {
			c.OnLevel2(msg.Level2)
		}
	}
	for _, candle := range msg.Candles {
		for _, c := range candles {
			c.OnCandle(candle)
		}
	}
	for _, o := range msg.Orders {
		for _, c := range orders {
			c.OnOrderUpdate(o)
		}
	}
	if n := len(msg.Ticks) + len(msg.Level2) + len(msg.Candles) + len(msg.Orders); n > 0 {
		f.metrics.IncCounter("ws.messages", "feed", f.name)
	}
}

var gzipMagic = []byte{0x1f, 0x8b}

// Decompress gunzips gzip frames and returns any other frame unchanged.
func Decompress(frame []byte) ([]byte, error) {
	if !bytes.HasPrefix(frame, gzipMagic) {
		return frame, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return out, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
