package internal

import (
	"fmt"

	amqpError "github.com/aleybovich/carrot-client/amqperror"
)

var (
	connectionMethods map[uint16]func(*Connection, *Reader) error
	channelMethods    map[methodKey]func(*Channel, *Reader) error
)

func init() {
	connectionMethods = map[uint16]func(*Connection, *Reader) error{
		MethodConnectionStart:   (*Connection).handleStart,
		MethodConnectionTune:    (*Connection).handleTune,
		MethodConnectionOpenOk:  (*Connection).handleOpenOk,
		MethodConnectionClose:   (*Connection).handleClose,
		MethodConnectionCloseOk: (*Connection).handleCloseOk,
	}

	channelMethods = map[methodKey]func(*Channel, *Reader) error{
		{ClassChannel, MethodChannelOpenOk}:  (*Channel).handleOpenOk,
		{ClassChannel, MethodChannelClose}:   (*Channel).handleClose,
		{ClassChannel, MethodChannelCloseOk}: (*Channel).handleCloseOk,
		{ClassAccess, MethodAccessRequestOk}: (*Channel).handleAccessRequestOk,
	}
}

// dispatch routes one inbound frame. Only method frames carry anything the
// client acts on; heartbeats are accepted and everything else is ignored.
func (c *Connection) dispatch(f *frame) error {
	switch f.Type {
	case FrameMethod:
		return c.dispatchMethod(f)
	case FrameHeartbeat:
		c.log.Debug("Heartbeat received on channel %d", f.Channel)
		return nil
	default:
		c.log.Warn("Ignoring inbound %s frame on channel %d", getFrameTypeName(f.Type), f.Channel)
		return nil
	}
}

func (c *Connection) dispatchMethod(f *frame) error {
	classID, methodID, args, err := f.method()
	if err != nil {
		return err
	}
	name := getFullMethodName(classID, methodID)
	c.log.Debug("Received %s on channel %d", name, f.Channel)

	switch classID {
	case ClassConnection:
		handler, ok := connectionMethods[methodID]
		if !ok {
			c.log.Warn("Unknown method %s on channel %d, dropped", name, f.Channel)
			return nil
		}
		if err := handler(c, args); err != nil {
			// Dial is still waiting: a broken handshake ends the connection.
			if c.State() < StateEstablished {
				c.shutdown(fmt.Errorf("handling %s: %w", name, err))
				return nil
			}
			return fmt.Errorf("handling %s: %w", name, err)
		}
		return nil

	case ClassChannel, ClassAccess:
		handler, ok := channelMethods[methodKey{classID, methodID}]
		if !ok {
			c.log.Warn("Unknown method %s on channel %d, dropped", name, f.Channel)
			return nil
		}
		ch := c.lookupChannel(f.Channel)
		if ch == nil {
			return fmt.Errorf("%w: %s for channel %d", amqpError.ErrUnknownChannel, name, f.Channel)
		}
		if err := handler(ch, args); err != nil {
			return fmt.Errorf("handling %s on channel %d: %w", name, f.Channel, err)
		}
		return nil

	default:
		c.log.Warn("Unknown class %d (method %s) on channel %d, dropped", classID, name, f.Channel)
		return nil
	}
}
