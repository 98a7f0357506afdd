package internal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	amqpError "github.com/aleybovich/carrot-client/amqperror"
	"github.com/aleybovich/carrot-client/config"
	"github.com/aleybovich/carrot-client/logger"
	"github.com/prometheus/client_golang/prometheus"
)

type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateAwaitingStart
	StateAwaitingTune
	StateAwaitingOpenOk
	StateEstablished
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingStart:
		return "awaiting-start"
	case StateAwaitingTune:
		return "awaiting-tune"
	case StateAwaitingOpenOk:
		return "awaiting-open-ok"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Tuning holds the negotiated connection limits.
type Tuning struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

// ConnectionOption defines functional options for configuring a connection
type ConnectionOption func(*Connection)

// WithConfig replaces the whole client configuration.
func WithConfig(cfg config.ClientConfig) ConnectionOption {
	return func(c *Connection) {
		c.cfg = cfg
	}
}

// WithLogger sets a custom logger that implements the Logger interface
func WithLogger(l logger.Logger) ConnectionOption {
	return func(c *Connection) {
		c.cfg.Logging.CustomLogger = l
	}
}

func WithCredentials(login, password string) ConnectionOption {
	return func(c *Connection) {
		c.cfg.Credentials = config.Credentials{Login: login, Password: password}
	}
}

func WithVirtualHost(vhost string) ConnectionOption {
	return func(c *Connection) {
		c.cfg.VirtualHost = vhost
	}
}

// WithJournal records every publish in j. The caller keeps ownership of j.
func WithJournal(j *Journal) ConnectionOption {
	return func(c *Connection) {
		c.journal = j
	}
}

// WithMetrics registers wire counters on reg.
func WithMetrics(reg prometheus.Registerer) ConnectionOption {
	return func(c *Connection) {
		c.registerer = reg
	}
}

// Connection owns the transport and every channel opened on it. A single
// read loop goroutine decodes inbound frames and dispatches them; callers
// block on reply slots until the matching method arrives.
type Connection struct {
	cfg        config.ClientConfig
	log        logger.Logger
	registerer prometheus.Registerer
	metrics    *wireMetrics

	journal     *Journal
	ownsJournal bool

	transport io.ReadWriteCloser
	reader    *bufio.Reader
	writer    *bufio.Writer
	writeMu   sync.Mutex

	mu               sync.Mutex
	state            ConnectionState
	tune             Tuning
	versionMajor     uint8
	versionMinor     uint8
	serverProperties Table
	mechanisms       []string
	locales          []string
	knownHosts       string
	channels         map[uint16]*Channel
	serverClose      *amqpError.CloseError
	closeErr         error

	established chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
}

func newConnection(opts ...ConnectionOption) (*Connection, error) {
	c := &Connection{
		cfg:         config.Default(),
		channels:    make(map[uint16]*Channel),
		established: make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	switch {
	case c.cfg.Logging.CustomLogger != nil:
		c.log = c.cfg.Logging.CustomLogger
	case c.cfg.Logging.DisableLogging:
		c.log = &logger.NilLogger{}
	default:
		c.log = logger.NewZeroLogger(nil, c.cfg.Logging.Level)
	}

	if c.registerer != nil {
		m, err := newWireMetrics(c.registerer)
		if err != nil {
			return nil, fmt.Errorf("registering wire metrics: %w", err)
		}
		c.metrics = m
	}

	if c.journal == nil {
		j, err := newJournalFromConfig(c.cfg.Storage, c.log)
		if err != nil {
			return nil, err
		}
		if j != nil {
			if err := j.Initialize(); err != nil {
				return nil, err
			}
			c.journal = j
			c.ownsJournal = true
		}
	}
	return c, nil
}

// Dial connects to addr ("host" or "host:port", port defaults to 5672)
// and blocks until the connection is established or ctx is done.
func Dial(ctx context.Context, addr string, opts ...ConnectionOption) (*Connection, error) {
	c, err := newConnection(opts...)
	if err != nil {
		return nil, err
	}
	if addr != "" {
		if err := c.cfg.SetAddress(addr); err != nil {
			c.releaseJournal()
			return nil, err
		}
	}
	if err := c.cfg.Validate(); err != nil {
		c.releaseJournal()
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Address())
	if err != nil {
		c.releaseJournal()
		return nil, fmt.Errorf("dialing %s: %w", c.cfg.Address(), err)
	}
	c.log.Info("Connected to %s", conn.RemoteAddr())
	if err := c.start(ctx, conn); err != nil {
		return nil, err
	}
	return c, nil
}

// Open runs the handshake over an already connected transport.
func Open(ctx context.Context, transport io.ReadWriteCloser, opts ...ConnectionOption) (*Connection, error) {
	c, err := newConnection(opts...)
	if err != nil {
		transport.Close()
		return nil, err
	}
	if err := c.start(ctx, transport); err != nil {
		return nil, err
	}
	return c, nil
}

// start sends the protocol header, launches the read loop and waits for
// Connection.OpenOk. The transport is released on every failure path.
func (c *Connection) start(ctx context.Context, transport io.ReadWriteCloser) error {
	c.transport = transport
	c.reader = bufio.NewReader(transport)
	c.writer = bufio.NewWriter(transport)

	c.writeMu.Lock()
	_, err := c.writer.WriteString(ProtocolHeader)
	if err == nil {
		err = c.writer.Flush()
	}
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(fmt.Errorf("writing protocol header: %w", err))
		return c.closeReason()
	}

	c.setState(StateAwaitingStart)
	go c.readLoop()

	select {
	case <-c.established:
		return nil
	case <-c.done:
		return fmt.Errorf("handshake failed: %w", c.closeReason())
	case <-ctx.Done():
		c.shutdown(ctx.Err())
		return fmt.Errorf("handshake: %w", ctx.Err())
	}
}

func (c *Connection) readLoop() {
	for {
		f, err := readFrame(c.reader, c.frameMaxLimit())
		if err != nil {
			if c.State() == StateClosed {
				return
			}
			if errors.Is(err, io.EOF) {
				c.log.Info("Connection closed by peer")
			} else {
				c.log.Err("Error reading frame: %v", err)
			}
			c.shutdown(fmt.Errorf("read frame: %w", err))
			return
		}
		c.metrics.observe(directionIn, f)
		if c.cfg.Logging.FrameLogging {
			c.log.Debug("Read frame: type=%s, channel=%d, size=%d", getFrameTypeName(f.Type), f.Channel, len(f.Payload))
		}

		if err := c.dispatch(f); err != nil {
			if errors.Is(err, amqpError.ErrFraming) {
				c.log.Err("Fatal framing error on channel %d: %v", f.Channel, err)
				c.shutdown(err)
				return
			}
			c.log.Err("Error dispatching frame on channel %d: %v", f.Channel, err)
		}
	}
}

func (c *Connection) frameMaxLimit() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tune.FrameMax
}

// shutdown tears the connection down once: the transport is closed, every
// channel is marked closed and all waiters are released with cause.
func (c *Connection) shutdown(cause error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		if c.serverClose != nil && cause != nil {
			cause = c.serverClose
		}
		c.state = StateClosed
		c.closeErr = cause
		channels := make([]*Channel, 0, len(c.channels))
		for id, ch := range c.channels {
			channels = append(channels, ch)
			delete(c.channels, id)
		}
		c.mu.Unlock()

		for _, ch := range channels {
			ch.markClosed(cause)
		}
		if c.transport != nil {
			if err := c.transport.Close(); err != nil {
				c.log.Debug("Closing transport: %v", err)
			}
		}
		c.releaseJournal()
		if cause != nil {
			c.log.Warn("Connection closed: %v", cause)
		} else {
			c.log.Info("Connection closed")
		}
		close(c.done)
	})
}

func (c *Connection) releaseJournal() {
	if c.ownsJournal && c.journal != nil {
		if err := c.journal.Close(); err != nil {
			c.log.Err("Closing publish journal: %v", err)
		}
	}
}

func (c *Connection) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return fmt.Errorf("%w: connection is closed", amqpError.ErrProtocolState)
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// expectState moves from one handshake state to the next, failing if the
// connection is elsewhere.
func (c *Connection) expectState(from, to ConnectionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: expected connection state %s, have %s", amqpError.ErrProtocolState, from, c.state)
	}
	c.state = to
	return nil
}

func (c *Connection) requireEstablished() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEstablished {
		return fmt.Errorf("%w: connection is %s", amqpError.ErrProtocolState, c.state)
	}
	return nil
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Tune() Tuning {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tune
}

func (c *Connection) ServerProperties() Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverProperties
}

func (c *Connection) ServerVersion() (major, minor uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionMajor, c.versionMinor
}

func (c *Connection) Mechanisms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mechanisms
}

func (c *Connection) Locales() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locales
}

func (c *Connection) KnownHosts() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.knownHosts
}

// CloseReason returns the server's Close arguments when the server closed
// the connection, nil otherwise.
func (c *Connection) CloseReason() *amqpError.CloseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverClose
}

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Journal() *Journal {
	return c.journal
}

func (c *Connection) Logger() logger.Logger {
	return c.log
}

func (c *Connection) writable() error {
	if c.State() == StateClosed {
		return c.closeReason()
	}
	return nil
}

// sendFrames writes frames contiguously and flushes once.
func (c *Connection) sendFrames(frames ...*frame) error {
	if err := c.writable(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, f := range frames {
		if err := writeFrame(c.writer, f); err != nil {
			return err
		}
		c.metrics.observe(directionOut, f)
		if c.cfg.Logging.FrameLogging {
			c.log.Debug("Writing frame: type=%s, channel=%d, size=%d", getFrameTypeName(f.Type), f.Channel, len(f.Payload))
		}
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("flushing frames: %w", err)
	}
	return nil
}

func (c *Connection) sendMethod(channel, classID, methodID uint16, args []byte) error {
	if err := c.sendFrames(methodFrame(channel, classID, methodID, args)); err != nil {
		return fmt.Errorf("sending %s on channel %d: %w", getFullMethodName(classID, methodID), channel, err)
	}
	c.log.Debug("Sent %s on channel %d", getFullMethodName(classID, methodID), channel)
	return nil
}

// sendMethodWithContent writes a content-bearing method, its header and its
// body frames without interleaving other writers.
func (c *Connection) sendMethodWithContent(channel, classID, methodID uint16, args, properties, body []byte) error {
	frameMax := c.Tune().FrameMax
	if frameMax == 0 {
		frameMax = c.defaultFrameMax()
	}
	content, err := contentFrames(channel, classID, properties, body, frameMax)
	if err != nil {
		return err
	}
	frames := append([]*frame{methodFrame(channel, classID, methodID, args)}, content...)
	if err := c.sendFrames(frames...); err != nil {
		return fmt.Errorf("sending %s on channel %d: %w", getFullMethodName(classID, methodID), channel, err)
	}
	c.log.Debug("Sent %s on channel %d with %d body bytes in %d body frames",
		getFullMethodName(classID, methodID), channel, len(body), len(content)-1)
	return nil
}

func (c *Connection) defaultFrameMax() uint32 {
	if c.cfg.DefaultFrameMax == 0 {
		return config.DefaultFrameMax
	}
	return c.cfg.DefaultFrameMax
}

// Channel returns the channel with the given id, creating and opening it
// if needed. Opening an already open channel is a no-op.
func (c *Connection) Channel(ctx context.Context, id uint16) (*Channel, error) {
	if err := c.requireEstablished(); err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, fmt.Errorf("%w: channel 0 is reserved for the connection", amqpError.ErrProtocolState)
	}

	c.mu.Lock()
	if c.tune.ChannelMax != 0 && id > c.tune.ChannelMax {
		limit := c.tune.ChannelMax
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: channel %d exceeds channel_max %d", amqpError.ErrProtocolState, id, limit)
	}
	ch, ok := c.channels[id]
	if !ok {
		ch = newChannel(c, id)
		c.channels[id] = ch
		c.log.Debug("Registered channel %d (%d channels)", id, len(c.channels))
	}
	c.mu.Unlock()

	if err := ch.Open(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// WithChannel opens channel id, runs fn and closes the channel on every
// exit path.
func (c *Connection) WithChannel(ctx context.Context, id uint16, fn func(*Channel) error) (err error) {
	ch, err := c.Channel(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		if ch.State() != ChannelOpen {
			return
		}
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeOkTimeout)
		defer cancel()
		if cerr := ch.Close(closeCtx, amqpError.ReplySuccess.Code(), ""); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing channel %d: %w", id, cerr))
		}
	}()
	return fn(ch)
}

func (c *Connection) lookupChannel(id uint16) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[id]
}

func (c *Connection) unregisterChannel(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[ch.id] == ch {
		delete(c.channels, ch.id)
	}
}

func (c *Connection) openChannels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	open := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		if ch.State() == ChannelOpen {
			open = append(open, ch)
		}
	}
	return open
}

// Close closes every open channel, then performs the Connection.Close /
// CloseOk exchange. The transport is released whatever the outcome. A
// connection the server already closed is released without I/O.
func (c *Connection) Close(ctx context.Context, replyCode uint16, replyText string) error {
	switch state := c.State(); state {
	case StateClosed:
		return fmt.Errorf("%w: connection already closed", amqpError.ErrProtocolState)
	case StateClosing:
		var cause error
		if reason := c.CloseReason(); reason != nil {
			cause = reason
		}
		c.shutdown(cause)
		return nil
	case StateEstablished:
	default:
		return fmt.Errorf("%w: cannot close connection in state %s", amqpError.ErrProtocolState, state)
	}

	// Encoding fails before any channel is touched.
	args := NewWriter()
	args.WriteShort(replyCode)
	if err := args.WriteShortString(replyText); err != nil {
		return fmt.Errorf("encoding reply text: %w", err)
	}
	args.WriteShort(0) // class-id
	args.WriteShort(0) // method-id

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, closeOkTimeout)
		defer cancel()
	}

	var errs []error
	for _, ch := range c.openChannels() {
		if err := ch.Close(ctx, amqpError.ReplySuccess.Code(), "connection closing"); err != nil {
			c.log.Warn("Closing channel %d: %v", ch.id, err)
			errs = append(errs, err)
		}
	}

	if err := c.expectState(StateEstablished, StateClosing); err != nil {
		c.shutdown(err)
		return err
	}

	if err := c.sendMethod(0, ClassConnection, MethodConnectionClose, args.Bytes()); err != nil {
		c.shutdown(err)
		return err
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		c.shutdown(fmt.Errorf("waiting for connection.close-ok: %w", ctx.Err()))
		errs = append(errs, ctx.Err())
	}
	if reason := c.CloseReason(); reason != nil {
		errs = append(errs, reason)
	}
	return errors.Join(errs...)
}
