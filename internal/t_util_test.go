package internal

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// testBroker is a scripted peer: the test reads what the client sent and
// writes the broker's replies frame by frame.
type testBroker struct {
	t        *testing.T
	listener net.Listener
	conn     net.Conn
	reader   *bufio.Reader
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &testBroker{t: t, listener: l}
	t.Cleanup(func() {
		l.Close()
		if b.conn != nil {
			b.conn.Close()
		}
	})
	return b
}

func (b *testBroker) addr() string {
	return b.listener.Addr().String()
}

func (b *testBroker) accept() {
	b.t.Helper()
	conn, err := b.listener.Accept()
	require.NoError(b.t, err)
	b.conn = conn
	b.reader = bufio.NewReader(conn)
}

func (b *testBroker) deadline() {
	require.NoError(b.t, b.conn.SetDeadline(time.Now().Add(testTimeout)))
}

func (b *testBroker) readProtocolHeader() {
	b.t.Helper()
	b.deadline()
	header := make([]byte, len(ProtocolHeader))
	_, err := io.ReadFull(b.reader, header)
	require.NoError(b.t, err)
	require.Equal(b.t, []byte(ProtocolHeader), header)
}

func (b *testBroker) readFrame() *frame {
	b.t.Helper()
	b.deadline()
	f, err := readFrame(b.reader, 0)
	require.NoError(b.t, err)
	return f
}

// expectMethod reads the next frame and checks it is the given method.
func (b *testBroker) expectMethod(channel, classID, methodID uint16) *Reader {
	b.t.Helper()
	f := b.readFrame()
	require.Equal(b.t, byte(FrameMethod), f.Type, "frame type")
	require.Equal(b.t, channel, f.Channel, "frame channel")
	gotClass, gotMethod, args, err := f.method()
	require.NoError(b.t, err)
	require.Equal(b.t, getFullMethodName(classID, methodID), getFullMethodName(gotClass, gotMethod))
	return args
}

func (b *testBroker) sendFrame(f *frame) {
	b.t.Helper()
	b.deadline()
	require.NoError(b.t, writeFrame(b.conn, f))
}

func (b *testBroker) sendMethod(channel, classID, methodID uint16, args []byte) {
	b.t.Helper()
	b.sendFrame(methodFrame(channel, classID, methodID, args))
}

func (b *testBroker) sendStart(mechanisms string) {
	args := NewWriter()
	args.WriteOctet(0)
	args.WriteOctet(8)
	require.NoError(b.t, args.WriteTable(Table{}))
	args.WriteLongString([]byte(mechanisms))
	args.WriteLongString([]byte("en_US"))
	b.sendMethod(0, ClassConnection, MethodConnectionStart, args.Bytes())
}

func (b *testBroker) sendTune(channelMax uint16, frameMax uint32, heartbeat uint16) {
	args := NewWriter()
	args.WriteShort(channelMax)
	args.WriteLong(frameMax)
	args.WriteShort(heartbeat)
	b.sendMethod(0, ClassConnection, MethodConnectionTune, args.Bytes())
}

func (b *testBroker) sendClose(channel, classID, methodID uint16, code uint16, text string, failedClass, failedMethod uint16) {
	args := NewWriter()
	args.WriteShort(code)
	require.NoError(b.t, args.WriteShortString(text))
	args.WriteShort(failedClass)
	args.WriteShort(failedMethod)
	b.sendMethod(channel, classID, methodID, args.Bytes())
}

// handshake plays the broker side up to connection.open-ok.
func (b *testBroker) handshake(channelMax uint16, frameMax uint32) {
	b.t.Helper()
	b.readProtocolHeader()
	b.sendStart("AMQPLAIN PLAIN")
	b.expectMethod(0, ClassConnection, MethodConnectionStartOk)
	b.sendTune(channelMax, frameMax, 0)
	b.expectMethod(0, ClassConnection, MethodConnectionTuneOk)
	b.expectMethod(0, ClassConnection, MethodConnectionOpen)
	openOk := NewWriter()
	require.NoError(b.t, openOk.WriteShortString(""))
	b.sendMethod(0, ClassConnection, MethodConnectionOpenOk, openOk.Bytes())
}

// openChannel plays the broker side of channel.open.
func (b *testBroker) openChannel(id uint16) {
	b.t.Helper()
	b.expectMethod(id, ClassChannel, MethodChannelOpen)
	b.sendMethod(id, ClassChannel, MethodChannelOpenOk, nil)
}

// async runs fn on its own goroutine so the test can script the broker
// while the client blocks.
func async(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for client call")
		return nil
	}
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for connection teardown")
	}
}

// setupTestConnection dials a scripted broker and completes the handshake.
// The connection is torn down when the test ends.
func setupTestConnection(t *testing.T, channelMax uint16, frameMax uint32, opts ...ConnectionOption) (*Connection, *testBroker, *MockLogger) {
	t.Helper()
	b := newTestBroker(t)
	log := NewMockLogger()
	opts = append(opts, WithLogger(log))

	var c *Connection
	done := async(func() error {
		var err error
		c, err = Dial(context.Background(), b.addr(), opts...)
		return err
	})
	b.accept()
	b.handshake(channelMax, frameMax)
	require.NoError(t, waitErr(t, done))
	require.Equal(t, StateEstablished, c.State())

	t.Cleanup(func() {
		c.shutdown(nil)
		<-c.Done()
	})
	return c, b, log
}
