package internal

import (
	"fmt"
	"runtime"
	"slices"
	"strings"

	amqpError "github.com/aleybovich/carrot-client/amqperror"
	"github.com/aleybovich/carrot-client/config"
)

func (c *Connection) handleStart(args *Reader) error {
	major, err := args.ReadOctet()
	if err != nil {
		return fmt.Errorf("reading version-major in connection.start: %w", err)
	}
	minor, err := args.ReadOctet()
	if err != nil {
		return fmt.Errorf("reading version-minor in connection.start: %w", err)
	}
	properties, err := args.ReadTable()
	if err != nil {
		return fmt.Errorf("reading server-properties in connection.start: %w", err)
	}
	mechanisms, err := args.ReadLongString()
	if err != nil {
		return fmt.Errorf("reading mechanisms in connection.start: %w", err)
	}
	locales, err := args.ReadLongString()
	if err != nil {
		return fmt.Errorf("reading locales in connection.start: %w", err)
	}

	if err := c.expectState(StateAwaitingStart, StateAwaitingTune); err != nil {
		return err
	}

	c.mu.Lock()
	c.versionMajor, c.versionMinor = major, minor
	c.serverProperties = properties
	c.mechanisms = strings.Fields(string(mechanisms))
	c.locales = strings.Fields(string(locales))
	c.mu.Unlock()

	c.log.Info("Start from server, version: %d.%d, properties: %v, mechanisms: %v, locales: %v",
		major, minor, properties, c.Mechanisms(), c.Locales())
	if !slices.Contains(c.Mechanisms(), string(c.cfg.Mechanism)) {
		c.log.Warn("Server did not offer mechanism %s, sending it anyway", c.cfg.Mechanism)
	}

	return c.sendStartOk()
}

// loginResponse encodes the AMQPLAIN response: a LOGIN/PASSWORD field
// table without its length prefix.
func loginResponse(creds config.Credentials) ([]byte, error) {
	w := NewWriter()
	if err := w.WriteTable(Table{
		{Name: "LOGIN", Value: LongString(creds.Login)},
		{Name: "PASSWORD", Value: LongString(creds.Password)},
	}); err != nil {
		return nil, err
	}
	return w.Bytes()[4:], nil
}

func (c *Connection) clientProperties() Table {
	return Table{
		{Name: "product", Value: LongString(c.cfg.Product)},
		{Name: "version", Value: LongString(c.cfg.Version)},
		{Name: "platform", Value: LongString("Go " + runtime.Version())},
	}
}

func (c *Connection) sendStartOk() error {
	response, err := loginResponse(c.cfg.Credentials)
	if err != nil {
		return fmt.Errorf("encoding login response: %w", err)
	}
	locale := c.cfg.Locale
	if locale == "" {
		locale = defaultLocale
	}

	args := NewWriter()
	if err := args.WriteTable(c.clientProperties()); err != nil {
		return fmt.Errorf("encoding client properties: %w", err)
	}
	if err := args.WriteShortString(string(c.cfg.Mechanism)); err != nil {
		return err
	}
	args.WriteLongString(response)
	if err := args.WriteShortString(locale); err != nil {
		return err
	}
	return c.sendMethod(0, ClassConnection, MethodConnectionStartOk, args.Bytes())
}

func (c *Connection) handleTune(args *Reader) error {
	channelMax, err := args.ReadShort()
	if err != nil {
		return fmt.Errorf("reading channel-max in connection.tune: %w", err)
	}
	frameMax, err := args.ReadLong()
	if err != nil {
		return fmt.Errorf("reading frame-max in connection.tune: %w", err)
	}
	heartbeat, err := args.ReadShort()
	if err != nil {
		return fmt.Errorf("reading heartbeat in connection.tune: %w", err)
	}

	if err := c.expectState(StateAwaitingTune, StateAwaitingOpenOk); err != nil {
		return err
	}
	if frameMax == 0 {
		frameMax = c.defaultFrameMax()
	}

	c.mu.Lock()
	c.tune = Tuning{ChannelMax: channelMax, FrameMax: frameMax, Heartbeat: tuneOkHeartbeat}
	c.mu.Unlock()
	c.log.Info("Connection parameters negotiated: channelMax=%d, frameMax=%d, heartbeat=%d (server suggested %d)",
		channelMax, frameMax, tuneOkHeartbeat, heartbeat)

	tuneOk := NewWriter()
	tuneOk.WriteShort(channelMax)
	tuneOk.WriteLong(frameMax)
	tuneOk.WriteShort(tuneOkHeartbeat)
	if err := c.sendMethod(0, ClassConnection, MethodConnectionTuneOk, tuneOk.Bytes()); err != nil {
		return err
	}
	return c.sendOpen()
}

func (c *Connection) sendOpen() error {
	args := NewWriter()
	if err := args.WriteShortString(c.cfg.VirtualHost); err != nil {
		return fmt.Errorf("encoding virtual host: %w", err)
	}
	if err := args.WriteShortString(""); err != nil { // capabilities
		return err
	}
	args.WriteBit(false) // insist
	return c.sendMethod(0, ClassConnection, MethodConnectionOpen, args.Bytes())
}

func (c *Connection) handleOpenOk(args *Reader) error {
	knownHosts, err := args.ReadShortString()
	if err != nil {
		return fmt.Errorf("reading known-hosts in connection.open-ok: %w", err)
	}
	if err := c.expectState(StateAwaitingOpenOk, StateEstablished); err != nil {
		return err
	}

	c.mu.Lock()
	c.knownHosts = knownHosts
	c.mu.Unlock()
	c.log.Info("Open OK! known_hosts [%s]", knownHosts)
	close(c.established)
	return nil
}

// handleClose answers a server-initiated Connection.Close. The server
// drops the transport after CloseOk, which completes the shutdown.
func (c *Connection) handleClose(args *Reader) error {
	closeErr, err := readCloseArgs(args, 0)
	if err != nil {
		return fmt.Errorf("reading connection.close: %w", err)
	}

	c.mu.Lock()
	c.serverClose = closeErr
	c.state = StateClosing
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	c.log.Warn("Server closed connection: %d %s, class = %d, method = %d",
		closeErr.Code, closeErr.Text, closeErr.ClassID, closeErr.MethodID)
	for _, ch := range channels {
		ch.markClosed(closeErr)
	}
	return c.sendMethod(0, ClassConnection, MethodConnectionCloseOk, nil)
}

func (c *Connection) handleCloseOk(args *Reader) error {
	if state := c.State(); state != StateClosing {
		return fmt.Errorf("%w: connection.close-ok received in state %s", amqpError.ErrProtocolState, state)
	}
	c.log.Info("Closed Connection!")
	c.shutdown(nil)
	return nil
}

// readCloseArgs decodes reply-code, reply-text, class-id and method-id.
func readCloseArgs(args *Reader, channel uint16) (*amqpError.CloseError, error) {
	code, err := args.ReadShort()
	if err != nil {
		return nil, err
	}
	text, err := args.ReadShortString()
	if err != nil {
		return nil, err
	}
	classID, err := args.ReadShort()
	if err != nil {
		return nil, err
	}
	methodID, err := args.ReadShort()
	if err != nil {
		return nil, err
	}
	return &amqpError.CloseError{Code: code, Text: text, ClassID: classID, MethodID: methodID, Channel: channel}, nil
}
