package internal

import (
	"context"
	"fmt"
	"sync"

	amqpError "github.com/aleybovich/carrot-client/amqperror"
)

type ChannelState int32

const (
	ChannelUnopened ChannelState = iota
	ChannelAwaitingOpenOk
	ChannelOpen
	ChannelAwaitingCloseOk
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelUnopened:
		return "unopened"
	case ChannelAwaitingOpenOk:
		return "awaiting-open-ok"
	case ChannelOpen:
		return "open"
	case ChannelAwaitingCloseOk:
		return "awaiting-close-ok"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// AccessFlags are the capability bits of access.request.
type AccessFlags struct {
	Exclusive bool
	Passive   bool
	Active    bool
	Write     bool
	Read      bool
}

type methodKey struct {
	classID  uint16
	methodID uint16
}

// rpcReply is what the read loop hands to the caller waiting on a channel.
type rpcReply struct {
	key    methodKey
	ticket uint16
	err    error
}

// Channel is a logical session on a Connection. It never touches the
// transport: all frames go through the owning connection.
type Channel struct {
	conn *Connection
	id   uint16

	mu        sync.Mutex
	state     ChannelState
	closeErr  error
	abandoned map[methodKey]int // replies owed to cancelled callers

	rpcMu   sync.Mutex // one outstanding request per channel
	replies chan rpcReply

	opened chan struct{} // closed on channel.open-ok
	closed chan struct{} // closed when the channel reaches ChannelClosed
}

func newChannel(conn *Connection, id uint16) *Channel {
	return &Channel{
		conn:      conn,
		id:        id,
		abandoned: make(map[methodKey]int),
		replies:   make(chan rpcReply, 1),
		opened:    make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (ch *Channel) ID() uint16 {
	return ch.id
}

func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Err returns why the channel was closed by the server or lost with its
// connection.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeErr
}

func (ch *Channel) requireState(want ChannelState) error {
	if err := ch.conn.requireEstablished(); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != want {
		return fmt.Errorf("%w: channel %d is %s", amqpError.ErrProtocolState, ch.id, ch.state)
	}
	return nil
}

// transition moves the channel from one of the allowed states to next.
func (ch *Channel) transition(next ChannelState, from ...ChannelState) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, s := range from {
		if ch.state == s {
			ch.setStateLocked(next)
			return nil
		}
	}
	return fmt.Errorf("%w: channel %d is %s, cannot become %s", amqpError.ErrProtocolState, ch.id, ch.state, next)
}

// setStateLocked changes state and signals the opened and closed
// channels. ch.mu must be held.
func (ch *Channel) setStateLocked(next ChannelState) {
	ch.state = next
	switch next {
	case ChannelOpen:
		signal(ch.opened)
	case ChannelClosed:
		signal(ch.closed)
	}
}

func signal(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}

// deliver hands a reply to the waiting caller. Replies owed to cancelled
// callers are dropped; error replies always go through.
func (ch *Channel) deliver(r rpcReply) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if r.err == nil && ch.abandoned[r.key] > 0 {
		ch.abandoned[r.key]--
		ch.conn.log.Debug("Dropping %s on channel %d for a cancelled caller",
			getFullMethodName(r.key.classID, r.key.methodID), ch.id)
		return
	}
	select {
	case ch.replies <- r:
	default:
		ch.conn.log.Warn("No caller waiting for %s on channel %d, reply dropped",
			getFullMethodName(r.key.classID, r.key.methodID), ch.id)
	}
}

// abandon records that the reply for key will arrive after its caller left.
func (ch *Channel) abandon(key methodKey) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	select {
	case r := <-ch.replies:
		if r.key == key && r.err == nil {
			return
		}
	default:
	}
	ch.abandoned[key]++
}

// call sends a method and waits for the reply identified by expect.
func (ch *Channel) call(ctx context.Context, classID, methodID uint16, args []byte, expect methodKey) (rpcReply, error) {
	ch.rpcMu.Lock()
	defer ch.rpcMu.Unlock()

	select {
	case stale := <-ch.replies:
		ch.conn.log.Debug("Discarding stale %s on channel %d",
			getFullMethodName(stale.key.classID, stale.key.methodID), ch.id)
	default:
	}

	if err := ch.conn.sendMethod(ch.id, classID, methodID, args); err != nil {
		return rpcReply{}, err
	}

	select {
	case r := <-ch.replies:
		if r.err != nil {
			return r, r.err
		}
		if r.key != expect {
			return r, fmt.Errorf("%w: expected %s on channel %d, got %s", amqpError.ErrProtocolState,
				getFullMethodName(expect.classID, expect.methodID), ch.id,
				getFullMethodName(r.key.classID, r.key.methodID))
		}
		return r, nil
	case <-ch.conn.done:
		return rpcReply{}, ch.conn.closeReason()
	case <-ctx.Done():
		ch.abandon(expect)
		return rpcReply{}, fmt.Errorf("waiting for %s on channel %d: %w",
			getFullMethodName(expect.classID, expect.methodID), ch.id, ctx.Err())
	}
}

// Open sends channel.open and waits for channel.open-ok. It is a no-op on
// an open channel; a caller arriving while the open is in flight waits for
// the same open-ok.
func (ch *Channel) Open(ctx context.Context) error {
	if err := ch.conn.requireEstablished(); err != nil {
		return err
	}
	ch.mu.Lock()
	switch ch.state {
	case ChannelOpen:
		ch.mu.Unlock()
		return nil
	case ChannelAwaitingOpenOk:
		ch.mu.Unlock()
		return ch.waitOpened(ctx)
	case ChannelUnopened:
		ch.setStateLocked(ChannelAwaitingOpenOk)
		ch.mu.Unlock()
	default:
		state := ch.state
		ch.mu.Unlock()
		return fmt.Errorf("%w: cannot open channel %d in state %s", amqpError.ErrProtocolState, ch.id, state)
	}

	args := NewWriter()
	args.WriteShortString("") // out-of-band
	// A late open-ok after cancellation still completes the transition.
	if _, err := ch.call(ctx, ClassChannel, MethodChannelOpen, args.Bytes(), methodKey{ClassChannel, MethodChannelOpenOk}); err != nil {
		return fmt.Errorf("opening channel %d: %w", ch.id, err)
	}
	return nil
}

func (ch *Channel) waitOpened(ctx context.Context) error {
	select {
	case <-ch.opened:
		return nil
	case <-ch.closed:
		if err := ch.Err(); err != nil {
			return fmt.Errorf("opening channel %d: %w", ch.id, err)
		}
		return fmt.Errorf("%w: channel %d closed while opening", amqpError.ErrProtocolState, ch.id)
	case <-ch.conn.done:
		return ch.conn.closeReason()
	case <-ctx.Done():
		return fmt.Errorf("waiting for channel %d to open: %w", ch.id, ctx.Err())
	}
}

func (ch *Channel) handleOpenOk(args *Reader) error {
	if err := ch.transition(ChannelOpen, ChannelAwaitingOpenOk); err != nil {
		return err
	}
	ch.conn.log.Info("Channel %d open", ch.id)
	ch.deliver(rpcReply{key: methodKey{ClassChannel, MethodChannelOpenOk}})
	return nil
}

// AccessRequest asks for a ticket on realm; the ticket is required by
// later operations on this channel.
func (ch *Channel) AccessRequest(ctx context.Context, realm string, flags AccessFlags) (uint16, error) {
	if err := ch.requireState(ChannelOpen); err != nil {
		return 0, err
	}
	args := NewWriter()
	if err := args.WriteShortString(realm); err != nil {
		return 0, fmt.Errorf("encoding realm: %w", err)
	}
	args.WriteBit(flags.Exclusive)
	args.WriteBit(flags.Passive)
	args.WriteBit(flags.Active)
	args.WriteBit(flags.Write)
	args.WriteBit(flags.Read)

	r, err := ch.call(ctx, ClassAccess, MethodAccessRequest, args.Bytes(), methodKey{ClassAccess, MethodAccessRequestOk})
	if err != nil {
		return 0, fmt.Errorf("access request for realm %q: %w", realm, err)
	}
	return r.ticket, nil
}

func (ch *Channel) handleAccessRequestOk(args *Reader) error {
	ticket, err := args.ReadShort()
	if err != nil {
		return fmt.Errorf("reading ticket in access.request-ok: %w", err)
	}
	ch.conn.log.Info("Got ticket %d on channel %d", ticket, ch.id)
	ch.deliver(rpcReply{key: methodKey{ClassAccess, MethodAccessRequestOk}, ticket: ticket})
	return nil
}

// Publish sends basic.publish followed by the message content. No reply
// is awaited.
func (ch *Channel) Publish(msg *Content, ticket uint16, exchange, routingKey string, mandatory, immediate bool) error {
	if err := ch.requireState(ChannelOpen); err != nil {
		return err
	}
	args := NewWriter()
	args.WriteShort(ticket)
	if err := args.WriteShortString(exchange); err != nil {
		return fmt.Errorf("encoding exchange: %w", err)
	}
	if err := args.WriteShortString(routingKey); err != nil {
		return fmt.Errorf("encoding routing key: %w", err)
	}
	args.WriteBit(mandatory)
	args.WriteBit(immediate)

	properties, body := msg.Serialize()
	if j := ch.conn.journal; j != nil {
		if err := j.Record(&PublishRecord{
			Channel:    ch.id,
			Ticket:     ticket,
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  mandatory,
			Immediate:  immediate,
			Properties: properties,
			Body:       body,
		}); err != nil {
			return fmt.Errorf("journaling publish: %w", err)
		}
	}
	return ch.conn.sendMethodWithContent(ch.id, ClassBasic, MethodBasicPublish, args.Bytes(), properties, body)
}

// Close sends channel.close and waits for channel.close-ok. A channel that
// was never opened is closed locally. If ctx ends first the channel is
// released anyway and its id may be reused.
func (ch *Channel) Close(ctx context.Context, replyCode uint16, replyText string) error {
	args := NewWriter()
	args.WriteShort(replyCode)
	if err := args.WriteShortString(replyText); err != nil {
		return fmt.Errorf("encoding reply text: %w", err)
	}
	args.WriteShort(0) // class-id
	args.WriteShort(0) // method-id

	ch.mu.Lock()
	state := ch.state
	if state == ChannelUnopened {
		ch.setStateLocked(ChannelClosed)
	}
	ch.mu.Unlock()
	switch state {
	case ChannelUnopened:
		ch.conn.unregisterChannel(ch)
		return nil
	case ChannelOpen:
	default:
		return fmt.Errorf("%w: cannot close channel %d in state %s", amqpError.ErrProtocolState, ch.id, state)
	}
	if err := ch.conn.requireEstablished(); err != nil {
		return err
	}
	if err := ch.transition(ChannelAwaitingCloseOk, ChannelOpen); err != nil {
		return err
	}

	if _, err := ch.call(ctx, ClassChannel, MethodChannelClose, args.Bytes(), methodKey{ClassChannel, MethodChannelCloseOk}); err != nil {
		if ctx.Err() != nil {
			ch.release()
		}
		return fmt.Errorf("closing channel %d: %w", ch.id, err)
	}
	return nil
}

// release gives up on a pending close-ok: the channel is marked closed and
// its id freed. A late close-ok is then dropped as addressed to an unknown
// channel.
func (ch *Channel) release() {
	ch.mu.Lock()
	ch.setStateLocked(ChannelClosed)
	ch.mu.Unlock()
	ch.conn.unregisterChannel(ch)
	ch.conn.log.Warn("Gave up waiting for close-ok on channel %d, channel released", ch.id)
}

func (ch *Channel) handleCloseOk(args *Reader) error {
	if err := ch.transition(ChannelClosed, ChannelAwaitingCloseOk); err != nil {
		return err
	}
	ch.conn.unregisterChannel(ch)
	ch.conn.log.Info("Closed Channel %d!", ch.id)
	ch.deliver(rpcReply{key: methodKey{ClassChannel, MethodChannelCloseOk}})
	return nil
}

// handleClose answers a server-initiated channel.close and fails the
// pending caller, if any, with the server's reason.
func (ch *Channel) handleClose(args *Reader) error {
	closeErr, err := readCloseArgs(args, ch.id)
	if err != nil {
		return fmt.Errorf("reading channel.close: %w", err)
	}
	ch.conn.log.Warn("Server closed channel %d: %d %s, class = %d, method = %d",
		ch.id, closeErr.Code, closeErr.Text, closeErr.ClassID, closeErr.MethodID)

	sendErr := ch.conn.sendMethod(ch.id, ClassChannel, MethodChannelCloseOk, nil)
	ch.conn.unregisterChannel(ch)
	ch.markClosed(closeErr)
	return sendErr
}

// markClosed makes the channel unusable and releases its waiter.
func (ch *Channel) markClosed(cause error) {
	ch.mu.Lock()
	if ch.state == ChannelClosed {
		ch.mu.Unlock()
		return
	}
	ch.closeErr = cause
	ch.setStateLocked(ChannelClosed)
	ch.mu.Unlock()

	if cause != nil {
		ch.deliver(rpcReply{key: methodKey{ClassChannel, MethodChannelClose}, err: cause})
	}
}
