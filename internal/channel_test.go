package internal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	amqpError "github.com/aleybovich/carrot-client/amqperror"
	"github.com/aleybovich/carrot-client/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestChannel(t *testing.T, c *Connection, b *testBroker, id uint16) *Channel {
	t.Helper()
	var ch *Channel
	done := async(func() error {
		var err error
		ch, err = c.Channel(context.Background(), id)
		return err
	})
	b.openChannel(id)
	require.NoError(t, waitErr(t, done))
	require.Equal(t, ChannelOpen, ch.State())
	return ch
}

func grantTicket(t *testing.T, ch *Channel, b *testBroker, realm string, ticket uint16) uint16 {
	t.Helper()
	var got uint16
	done := async(func() error {
		var err error
		got, err = ch.AccessRequest(context.Background(), realm, AccessFlags{Active: true, Write: true})
		return err
	})
	args := b.expectMethod(ch.ID(), ClassAccess, MethodAccessRequest)
	gotRealm, err := args.ReadShortString()
	require.NoError(t, err)
	assert.Equal(t, realm, gotRealm)
	bits, err := args.ReadOctet()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x0c), bits) // active, write

	reply := NewWriter()
	reply.WriteShort(ticket)
	b.sendMethod(ch.ID(), ClassAccess, MethodAccessRequestOk, reply.Bytes())
	require.NoError(t, waitErr(t, done))
	return got
}

func TestChannelLifecycle(t *testing.T) {
	c, b, _ := setupTestConnection(t, 0, 32)
	ch := openTestChannel(t, c, b, 1)

	t.Run("open is idempotent", func(t *testing.T) {
		again, err := c.Channel(context.Background(), 1)
		require.NoError(t, err)
		assert.Same(t, ch, again)
	})

	ticket := grantTicket(t, ch, b, "/data", 101)
	assert.Equal(t, uint16(101), ticket)

	body := bytes.Repeat([]byte("x"), 50)
	require.NoError(t, ch.Publish(NewContent(body), ticket, "amq.fanout", "", false, false))

	publish := b.expectMethod(1, ClassBasic, MethodBasicPublish)
	gotTicket, err := publish.ReadShort()
	require.NoError(t, err)
	assert.Equal(t, uint16(101), gotTicket)
	exchange, err := publish.ReadShortString()
	require.NoError(t, err)
	assert.Equal(t, "amq.fanout", exchange)
	routingKey, err := publish.ReadShortString()
	require.NoError(t, err)
	assert.Empty(t, routingKey)
	bits, err := publish.ReadOctet()
	require.NoError(t, err)
	assert.Equal(t, uint8(0), bits)

	header := b.readFrame()
	require.Equal(t, byte(FrameHeader), header.Type)
	assert.Equal(t, uint16(1), header.Channel)
	assert.Equal(t, uint16(ClassBasic), binary.BigEndian.Uint16(header.Payload[0:2]))
	assert.Equal(t, uint64(50), binary.BigEndian.Uint64(header.Payload[4:12]))
	assert.Equal(t, []byte{0, 0}, header.Payload[12:])

	var received []byte
	for _, want := range []int{24, 24, 2} {
		f := b.readFrame()
		require.Equal(t, byte(FrameBody), f.Type)
		assert.Len(t, f.Payload, want)
		received = append(received, f.Payload...)
	}
	assert.Equal(t, body, received)

	done := async(func() error {
		return ch.Close(context.Background(), amqpError.ReplySuccess.Code(), "done")
	})
	closeArgs := b.expectMethod(1, ClassChannel, MethodChannelClose)
	code, err := closeArgs.ReadShort()
	require.NoError(t, err)
	text, err := closeArgs.ReadShortString()
	require.NoError(t, err)
	assert.Equal(t, uint16(200), code)
	assert.Equal(t, "done", text)
	b.sendMethod(1, ClassChannel, MethodChannelCloseOk, nil)
	require.NoError(t, waitErr(t, done))

	assert.Equal(t, ChannelClosed, ch.State())
	assert.Nil(t, c.lookupChannel(1))
	assert.ErrorIs(t, ch.Publish(NewContent(nil), ticket, "", "", false, false), amqpError.ErrProtocolState)
}

func TestPublishFlags(t *testing.T) {
	c, b, _ := setupTestConnection(t, 0, 0)
	ch := openTestChannel(t, c, b, 2)

	require.NoError(t, ch.Publish(NewTextContent("hello"), 7, "ex", "rk", true, true))
	publish := b.expectMethod(2, ClassBasic, MethodBasicPublish)
	_, _ = publish.ReadShort()
	_, _ = publish.ReadShortString()
	_, _ = publish.ReadShortString()
	bits, err := publish.ReadOctet()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x03), bits)

	b.readFrame()
	f := b.readFrame()
	assert.Equal(t, []byte("hello"), f.Payload)
}

func TestPublishEmptyBody(t *testing.T) {
	c, b, _ := setupTestConnection(t, 0, 0)
	ch := openTestChannel(t, c, b, 1)

	require.NoError(t, ch.Publish(NewContent(nil), 0, "", "", false, false))
	b.expectMethod(1, ClassBasic, MethodBasicPublish)
	header := b.readFrame()
	assert.Equal(t, byte(FrameHeader), header.Type)
	assert.Equal(t, uint64(0), binary.BigEndian.Uint64(header.Payload[4:12]))

	// The next frame must be the reply to a new request, not a body frame.
	done := async(func() error {
		_, err := ch.AccessRequest(context.Background(), "/data", AccessFlags{})
		return err
	})
	b.expectMethod(1, ClassAccess, MethodAccessRequest)
	b.sendMethod(1, ClassAccess, MethodAccessRequestOk, []byte{0, 1})
	require.NoError(t, waitErr(t, done))
}

func TestOperationsRequireOpenChannel(t *testing.T) {
	c, _, _ := setupTestConnection(t, 0, 0)
	ch := newChannel(c, 3)

	err := ch.Publish(NewContent([]byte("x")), 0, "", "", false, false)
	assert.ErrorIs(t, err, amqpError.ErrProtocolState)

	_, err = ch.AccessRequest(context.Background(), "/data", AccessFlags{})
	assert.ErrorIs(t, err, amqpError.ErrProtocolState)
}

func TestCloseUnopenedChannel(t *testing.T) {
	c, _, _ := setupTestConnection(t, 0, 0)
	ch := newChannel(c, 4)

	require.NoError(t, ch.Close(context.Background(), 200, ""))
	assert.Equal(t, ChannelClosed, ch.State())
	assert.ErrorIs(t, ch.Close(context.Background(), 200, ""), amqpError.ErrProtocolState)
}

func TestServerClosesChannel(t *testing.T) {
	c, b, _ := setupTestConnection(t, 0, 0)
	ch := openTestChannel(t, c, b, 1)

	done := async(func() error {
		_, err := ch.AccessRequest(context.Background(), "/secret", AccessFlags{Read: true})
		return err
	})
	b.expectMethod(1, ClassAccess, MethodAccessRequest)
	b.sendClose(1, ClassChannel, MethodChannelClose, amqpError.AccessRefused.Code(), "ACCESS_REFUSED", ClassAccess, MethodAccessRequest)
	b.expectMethod(1, ClassChannel, MethodChannelCloseOk)

	err := waitErr(t, done)
	require.ErrorIs(t, err, amqpError.ErrClosedByServer)
	var closeErr *amqpError.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, uint16(403), closeErr.Code)
	assert.Equal(t, uint16(1), closeErr.Channel)
	assert.Equal(t, uint16(ClassAccess), closeErr.ClassID)

	assert.Equal(t, ChannelClosed, ch.State())
	assert.Nil(t, c.lookupChannel(1))
	assert.Equal(t, StateEstablished, c.State())

	// The id can be reused once the server has closed it.
	reopened := openTestChannel(t, c, b, 1)
	assert.NotSame(t, ch, reopened)
}

func TestConcurrentChannelOpen(t *testing.T) {
	c, b, _ := setupTestConnection(t, 0, 0)

	var first, second *Channel
	firstDone := async(func() error {
		var err error
		first, err = c.Channel(context.Background(), 3)
		return err
	})
	b.expectMethod(3, ClassChannel, MethodChannelOpen)
	pending := c.lookupChannel(3)
	require.NotNil(t, pending)
	require.Equal(t, ChannelAwaitingOpenOk, pending.State())

	secondDone := async(func() error {
		var err error
		second, err = c.Channel(context.Background(), 3)
		return err
	})
	time.Sleep(50 * time.Millisecond)
	b.sendMethod(3, ClassChannel, MethodChannelOpenOk, nil)

	require.NoError(t, waitErr(t, firstDone))
	require.NoError(t, waitErr(t, secondDone))
	assert.Same(t, first, second)
	assert.Equal(t, ChannelOpen, second.State())

	// Only one channel.open went out.
	grantTicket(t, second, b, "/data", 3)
}

func TestChannelOpenWaiterSeesServerClose(t *testing.T) {
	c, b, _ := setupTestConnection(t, 0, 0)

	firstDone := async(func() error {
		_, err := c.Channel(context.Background(), 2)
		return err
	})
	b.expectMethod(2, ClassChannel, MethodChannelOpen)
	secondDone := async(func() error {
		_, err := c.Channel(context.Background(), 2)
		return err
	})
	time.Sleep(50 * time.Millisecond)
	b.sendClose(2, ClassChannel, MethodChannelClose, amqpError.ResourceError.Code(), "RESOURCE_ERROR", ClassChannel, MethodChannelOpen)
	b.expectMethod(2, ClassChannel, MethodChannelCloseOk)

	assert.ErrorIs(t, waitErr(t, firstDone), amqpError.ErrClosedByServer)
	assert.ErrorIs(t, waitErr(t, secondDone), amqpError.ErrClosedByServer)
	assert.Nil(t, c.lookupChannel(2))
}

func TestChannelOpenWaiterCancelled(t *testing.T) {
	c, b, _ := setupTestConnection(t, 0, 0)

	firstDone := async(func() error {
		_, err := c.Channel(context.Background(), 4)
		return err
	})
	b.expectMethod(4, ClassChannel, MethodChannelOpen)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Channel(ctx, 4)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	b.sendMethod(4, ClassChannel, MethodChannelOpenOk, nil)
	require.NoError(t, waitErr(t, firstDone))
	assert.Equal(t, ChannelOpen, c.lookupChannel(4).State())
}

func TestChannelCloseTimeoutReleasesID(t *testing.T) {
	c, b, log := setupTestConnection(t, 0, 0)
	ch := openTestChannel(t, c, b, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := async(func() error {
		return ch.Close(ctx, amqpError.ReplySuccess.Code(), "")
	})
	b.expectMethod(1, ClassChannel, MethodChannelClose)

	assert.ErrorIs(t, waitErr(t, done), context.DeadlineExceeded)
	assert.Equal(t, ChannelClosed, ch.State())
	assert.Nil(t, c.lookupChannel(1))
	assert.True(t, log.Contains("warn", "channel 1 released"))

	// The late close-ok is dropped and the id opens again.
	b.sendMethod(1, ClassChannel, MethodChannelCloseOk, nil)
	reopened := openTestChannel(t, c, b, 1)
	assert.NotSame(t, ch, reopened)
	assert.Equal(t, StateEstablished, c.State())
	grantTicket(t, reopened, b, "/data", 8)
}

func TestAccessRequestCancelled(t *testing.T) {
	c, b, log := setupTestConnection(t, 0, 0)
	ch := openTestChannel(t, c, b, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := async(func() error {
		_, err := ch.AccessRequest(ctx, "/data", AccessFlags{})
		return err
	})
	b.expectMethod(1, ClassAccess, MethodAccessRequest)
	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)

	// The late reply belongs to the cancelled caller and must not leak
	// into the next request.
	b.sendMethod(1, ClassAccess, MethodAccessRequestOk, []byte{0, 5})

	var ticket uint16
	done = async(func() error {
		var err error
		ticket, err = ch.AccessRequest(context.Background(), "/data", AccessFlags{})
		return err
	})
	b.expectMethod(1, ClassAccess, MethodAccessRequest)
	b.sendMethod(1, ClassAccess, MethodAccessRequestOk, []byte{0, 9})
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, uint16(9), ticket)
	assert.Equal(t, ChannelOpen, ch.State())
	assert.Zero(t, log.Count("error"))
}

func TestWithChannel(t *testing.T) {
	c, b, _ := setupTestConnection(t, 0, 0)

	t.Run("closes after success", func(t *testing.T) {
		var used *Channel
		done := async(func() error {
			return c.WithChannel(context.Background(), 1, func(ch *Channel) error {
				used = ch
				return ch.Publish(NewTextContent("hi"), 0, "", "", false, false)
			})
		})
		b.openChannel(1)
		b.expectMethod(1, ClassBasic, MethodBasicPublish)
		b.readFrame()
		b.readFrame()
		b.expectMethod(1, ClassChannel, MethodChannelClose)
		b.sendMethod(1, ClassChannel, MethodChannelCloseOk, nil)
		require.NoError(t, waitErr(t, done))
		assert.Equal(t, ChannelClosed, used.State())
	})

	t.Run("closes after failure", func(t *testing.T) {
		boom := errors.New("boom")
		done := async(func() error {
			return c.WithChannel(context.Background(), 2, func(ch *Channel) error {
				return boom
			})
		})
		b.openChannel(2)
		b.expectMethod(2, ClassChannel, MethodChannelClose)
		b.sendMethod(2, ClassChannel, MethodChannelCloseOk, nil)
		assert.ErrorIs(t, waitErr(t, done), boom)
		assert.Nil(t, c.lookupChannel(2))
	})
}

func TestPublishJournal(t *testing.T) {
	journal := NewJournal(storage.NewBuntDBProvider(":memory:"), nil)
	require.NoError(t, journal.Initialize())
	t.Cleanup(func() { journal.Close() })

	c, b, _ := setupTestConnection(t, 0, 0, WithJournal(journal))
	ch := openTestChannel(t, c, b, 1)

	before := time.Now()
	require.NoError(t, ch.Publish(NewTextContent("first"), 3, "amq.fanout", "a", false, false))
	require.NoError(t, ch.Publish(NewTextContent("second"), 3, "amq.fanout", "b", true, false))

	entries, err := journal.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Sequence)
	assert.Equal(t, "a", entries[0].RoutingKey)
	assert.Equal(t, []byte("first"), entries[0].Body)
	assert.Equal(t, uint16(1), entries[0].Channel)
	assert.Equal(t, uint16(3), entries[0].Ticket)
	assert.False(t, entries[0].Timestamp.Before(before.Truncate(time.Second)))
	assert.Equal(t, uint64(2), entries[1].Sequence)
	assert.True(t, entries[1].Mandatory)

	// A caller-supplied journal outlives the connection.
	c.shutdown(nil)
	_, err = journal.Entries()
	assert.NoError(t, err)
}

func TestChannelStateString(t *testing.T) {
	assert.Equal(t, "open", ChannelOpen.String())
	assert.Equal(t, "awaiting-close-ok", ChannelAwaitingCloseOk.String())
	assert.Equal(t, "unknown(9)", ChannelState(9).String())
}
