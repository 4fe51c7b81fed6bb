// Package client implements the moo session layer: a resilient
// websocket channel that survives server restarts, and a reducer that
// folds the server's message stream into presentable session state.
package client

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-moo/proto"
)

const (
	defaultMinDelay   = 2 * time.Second
	defaultMaxDelay   = 60 * time.Second
	defaultMultiplier = 2.0
)

// Config controls reconnect and buffering behavior of a Channel.
type Config struct {
	// MinDelay is the floor between reconnect attempts.
	MinDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// BackoffMultiplier is the growth factor applied after each failed
	// attempt.
	BackoffMultiplier float64
	// MaxBuffered bounds the outbound buffer while disconnected; when
	// full, the oldest buffered message is dropped and logged. Zero
	// means unbounded.
	MaxBuffered int
	// Logger receives connection lifecycle and drop events.
	Logger zerolog.Logger
}

// Event is one item delivered by the channel to its consumer: an
// inbound message, or a connectivity change when Msg is nil.
type Event struct {
	Msg       proto.Inbound
	Connected bool
}

// backoff produces the delay sequence between reconnect attempts:
// monotonically non-decreasing up to the ceiling, reset to the floor
// after a successful open.
type backoff struct {
	floor   time.Duration
	ceiling time.Duration
	factor  float64
	next    time.Duration
}

func (b *backoff) Next() time.Duration {
	d := b.next
	grown := time.Duration(float64(b.next) * b.factor)
	if grown > b.ceiling {
		grown = b.ceiling
	}
	b.next = grown
	return d
}

func (b *backoff) Reset() { b.next = b.floor }

// Channel owns one physical websocket connection at a time and
// reconnects forever. Send never fails: while disconnected messages
// are buffered FIFO and flushed after the next successful handshake,
// behind the mandatory Login frame.
type Channel struct {
	url    string
	cfg    Config
	log    zerolog.Logger
	events chan Event
	nudge  chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	username string
	conn     *websocket.Conn
	gen      uint64
	buffer   []proto.Outbound
	waiting  bool
	nudged   bool

	closeOnce sync.Once
}

// Dial creates a Channel and starts connecting in the background. The
// username is replayed as the first frame of every (re)connection.
func Dial(url, username string, configure ...func(*Config)) *Channel {
	cfg := Config{
		MinDelay:          defaultMinDelay,
		MaxDelay:          defaultMaxDelay,
		BackoffMultiplier: defaultMultiplier,
		Logger:            log.Logger,
	}
	for _, f := range configure {
		f(&cfg)
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = defaultMinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = defaultMultiplier
	}
	c := &Channel{
		url:      url,
		cfg:      cfg,
		log:      cfg.Logger,
		username: username,
		events:   make(chan Event, 32),
		nudge:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// Events returns the stream consumed by the session reducer. It is
// closed when the channel shuts down.
func (c *Channel) Events() <-chan Event { return c.events }

// Connected reports whether a transport is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send transmits the message if the transport is open, otherwise
// buffers it for the next reconnect. It never returns an error;
// transport failures are logged and recovered by the connect loop.
func (c *Channel) Send(m proto.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := m.(proto.Login); ok {
		// Remember the latest identity for handshake replay.
		c.username = l.Username
	}
	if c.conn != nil {
		if err := writeMessage(c.conn, m); err != nil {
			c.log.Warn().Err(err).Msg("send failed; message buffered for reconnect")
			c.buffer = append(c.buffer, m)
		}
		return
	}
	if c.cfg.MaxBuffered > 0 && len(c.buffer) >= c.cfg.MaxBuffered {
		c.log.Warn().Int("max", c.cfg.MaxBuffered).Msg("outbound buffer full; dropping oldest message")
		c.buffer = c.buffer[1:]
	}
	c.buffer = append(c.buffer, m)
	if c.waiting && !c.nudged {
		// A send during the post-close wait retries immediately, at
		// most once per waiting period.
		c.nudged = true
		select {
		case c.nudge <- struct{}{}:
		default:
		}
	}
}

// Close tears the channel down for good. Buffered messages are lost.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

func (c *Channel) run() {
	defer close(c.events)
	bo := &backoff{
		floor:   c.cfg.MinDelay,
		ceiling: c.cfg.MaxDelay,
		factor:  c.cfg.BackoffMultiplier,
	}
	bo.Reset()
	for {
		select {
		case <-c.done:
			return
		default:
		}
		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.log.Warn().Err(err).Str("url", c.url).Msg("connect failed")
			if !c.wait(bo.Next()) {
				return
			}
			continue
		}
		gen := c.attach(conn)
		bo.Reset()
		c.emit(Event{Connected: true})
		c.readLoop(conn, gen)
		c.detach(conn)
		c.emit(Event{Connected: false})
		if !c.wait(bo.Next()) {
			return
		}
	}
}

// attach installs conn as the current transport, sends the Login
// handshake ahead of everything else, then flushes the buffer in
// submission order.
func (c *Channel) attach(conn *websocket.Conn) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.conn = conn
	if err := writeMessage(conn, proto.Login{Username: c.username}); err != nil {
		c.log.Warn().Err(err).Msg("login handshake failed")
		return c.gen
	}
	for len(c.buffer) > 0 {
		if err := writeMessage(conn, c.buffer[0]); err != nil {
			// Keep the unsent tail for the next reconnect.
			c.log.Warn().Err(err).Int("pending", len(c.buffer)).Msg("buffer flush interrupted")
			return c.gen
		}
		c.buffer = c.buffer[1:]
	}
	c.buffer = nil
	return c.gen
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// readLoop pumps frames from one transport handle until it dies.
// Events are tagged with the handle's generation; a superseded handle
// never delivers into the session.
func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("transport closed")
			return
		}
		msg, err := proto.UnmarshalInbound(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable inbound frame")
			continue
		}
		if !c.current(gen) {
			return
		}
		c.emit(Event{Msg: msg, Connected: true})
	}
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// wait sleeps the backoff delay between attempts. A pending Send may
// cut the wait short via the nudge channel.
func (c *Channel) wait(d time.Duration) bool {
	select {
	case <-c.nudge:
		// Drop a nudge left over from a previous waiting period.
	default:
	}
	c.mu.Lock()
	c.waiting = true
	c.nudged = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiting = false
		c.mu.Unlock()
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.nudge:
		c.log.Debug().Msg("reconnect nudged by pending send")
	case <-c.done:
		return false
	}
	return true
}

func writeMessage(conn *websocket.Conn, m proto.Outbound) error {
	data, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
