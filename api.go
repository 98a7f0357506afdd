// Package carrotclient is a client for brokers speaking AMQP 0-8. It
// performs the connection handshake, opens channels, requests access
// tickets and publishes messages.
package carrotclient

import (
	"context"
	"io"

	amqpError "github.com/aleybovich/carrot-client/amqperror"
	"github.com/aleybovich/carrot-client/config"
	"github.com/aleybovich/carrot-client/internal"
	"github.com/aleybovich/carrot-client/logger"
	"github.com/aleybovich/carrot-client/storage"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	Channel         = internal.Channel
	ChannelState    = internal.ChannelState
	AccessFlags     = internal.AccessFlags
	Content         = internal.Content
	Tuning          = internal.Tuning
	ConnectionState = internal.ConnectionState
	Journal         = internal.Journal

	Table      = internal.Table
	Field      = internal.Field
	FieldValue = internal.FieldValue
	LongString = internal.LongString
	Int        = internal.Int
	Decimal    = internal.Decimal
	Timestamp  = internal.Timestamp
)

const (
	ChannelUnopened        = internal.ChannelUnopened
	ChannelAwaitingOpenOk  = internal.ChannelAwaitingOpenOk
	ChannelOpen            = internal.ChannelOpen
	ChannelAwaitingCloseOk = internal.ChannelAwaitingCloseOk
	ChannelClosed          = internal.ChannelClosed
)

// NewContent wraps a raw message body.
func NewContent(body []byte) *Content { return internal.NewContent(body) }

// NewTextContent wraps text encoded as UTF-8.
func NewTextContent(text string) *Content { return internal.NewTextContent(text) }

// NewJournal returns a publish journal backed by provider. The caller must
// call Initialize before use and Close when done.
func NewJournal(provider storage.StorageProvider, l logger.Logger) *Journal {
	return internal.NewJournal(provider, l)
}

// Connection is an established AMQP 0-8 connection.
// It wraps the internal connection to provide a clean public API.
type Connection struct {
	conn *internal.Connection
}

// ClientOption is a function that configures a Connection during creation.
// Use the provided With* functions to create ClientOptions.
type ClientOption func(*clientOptions)

// clientOptions holds the configuration that will be passed to the internal connection
type clientOptions struct {
	internalOpts []internal.ConnectionOption
}

func collect(opts []ClientOption) []internal.ConnectionOption {
	options := &clientOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options.internalOpts
}

// Dial connects to addr and blocks until the handshake completes.
// addr is "host" or "host:port"; the port defaults to 5672.
func Dial(addr string, opts ...ClientOption) (*Connection, error) {
	return DialContext(context.Background(), addr, opts...)
}

// DialContext is Dial with a context bounding the TCP connect and the
// handshake.
func DialContext(ctx context.Context, addr string, opts ...ClientOption) (*Connection, error) {
	c, err := internal.Dial(ctx, addr, collect(opts)...)
	if err != nil {
		return nil, err
	}
	return &Connection{conn: c}, nil
}

// Open runs the handshake over an already connected transport, e.g. a TLS
// connection. The connection owns transport from then on.
func Open(ctx context.Context, transport io.ReadWriteCloser, opts ...ClientOption) (*Connection, error) {
	c, err := internal.Open(ctx, transport, collect(opts)...)
	if err != nil {
		return nil, err
	}
	return &Connection{conn: c}, nil
}

// DialConfig connects using the address held in cfg.
func DialConfig(ctx context.Context, cfg config.ClientConfig, opts ...ClientOption) (*Connection, error) {
	return DialContext(ctx, "", append([]ClientOption{WithConfig(cfg)}, opts...)...)
}

// Channel opens channel id, or returns it if it is already open.
// Valid ids run from 1 to the negotiated channel_max.
func (c *Connection) Channel(ctx context.Context, id uint16) (*Channel, error) {
	return c.conn.Channel(ctx, id)
}

// WithChannel opens channel id, runs fn and closes the channel whatever fn
// returns.
func (c *Connection) WithChannel(ctx context.Context, id uint16, fn func(*Channel) error) error {
	return c.conn.WithChannel(ctx, id, fn)
}

// Close closes all open channels and then the connection with a normal
// reply code.
func (c *Connection) Close() error {
	return c.CloseWithReason(context.Background(), amqpError.ReplySuccess.Code(), "")
}

// CloseWithReason closes the connection with the given reply code and text.
// The transport is released even if the broker never answers.
func (c *Connection) CloseWithReason(ctx context.Context, replyCode uint16, replyText string) error {
	return c.conn.Close(ctx, replyCode, replyText)
}

// Done is closed once the connection has been torn down, whoever closed it.
func (c *Connection) Done() <-chan struct{} {
	return c.conn.Done()
}

// CloseReason returns the broker's reasons when the broker closed the
// connection, nil otherwise.
func (c *Connection) CloseReason() *amqpError.CloseError {
	return c.conn.CloseReason()
}

// Tune returns the negotiated channel_max, frame_max and heartbeat.
func (c *Connection) Tune() Tuning {
	return c.conn.Tune()
}

// ServerProperties returns the properties table from connection.start.
func (c *Connection) ServerProperties() Table {
	return c.conn.ServerProperties()
}

// ServerVersion returns the protocol version announced by the broker.
func (c *Connection) ServerVersion() (major, minor uint8) {
	return c.conn.ServerVersion()
}

// Mechanisms returns the SASL mechanisms the broker offered.
func (c *Connection) Mechanisms() []string {
	return c.conn.Mechanisms()
}

// Locales returns the locales the broker offered.
func (c *Connection) Locales() []string {
	return c.conn.Locales()
}

// KnownHosts returns the known-hosts string from connection.open-ok.
func (c *Connection) KnownHosts() string {
	return c.conn.KnownHosts()
}

// State returns the handshake state of the connection.
func (c *Connection) State() ConnectionState {
	return c.conn.State()
}

// IsOpen reports whether the connection is established.
func (c *Connection) IsOpen() bool {
	return c.conn.State() == internal.StateEstablished
}

// Journal returns the publish journal, or nil when journaling is off.
func (c *Connection) Journal() *Journal {
	return c.conn.Journal()
}

// Logger returns the connection's logger.
func (c *Connection) Logger() logger.Logger {
	return c.conn.Logger()
}

// WithConfig replaces the whole client configuration. Options given after
// it still apply on top.
func WithConfig(cfg config.ClientConfig) ClientOption {
	return func(opts *clientOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithConfig(cfg))
	}
}

// WithLogger sets a custom logger that implements the logger.Logger interface.
// If not used, a zerolog console logger writing to stdout is used.
func WithLogger(l logger.Logger) ClientOption {
	return func(opts *clientOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithLogger(l))
	}
}

// WithCredentials sets the AMQPLAIN login and password.
func WithCredentials(login, password string) ClientOption {
	return func(opts *clientOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithCredentials(login, password))
	}
}

// WithVirtualHost selects the virtual host opened after tuning.
func WithVirtualHost(vhost string) ClientOption {
	return func(opts *clientOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithVirtualHost(vhost))
	}
}

// WithJournal records every publish in j. The caller owns j.
func WithJournal(j *Journal) ClientOption {
	return func(opts *clientOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithJournal(j))
	}
}

// WithMetrics registers frame and byte counters on reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(opts *clientOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithMetrics(reg))
	}
}
