package internal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	amqpError "github.com/aleybovich/carrot-client/amqperror"
)

type frame struct {
	Type    byte
	Channel uint16
	Payload []byte
}

// readFrame reads one complete frame. maxSize, when non-zero, is the
// negotiated frame_max. A clean EOF before the first header byte is
// returned as io.EOF.
func readFrame(r io.Reader, maxSize uint32) (*frame, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading frame header: %w", amqpError.ErrDecode, err)
	}

	f := &frame{
		Type:    header[0],
		Channel: binary.BigEndian.Uint16(header[1:3]),
	}

	size := binary.BigEndian.Uint32(header[3:7])
	if maxSize > 0 && uint64(size)+frameOverhead > uint64(maxSize) {
		return nil, fmt.Errorf("%w: frame size %d exceeds negotiated max %d", amqpError.ErrFraming, size, maxSize)
	}

	f.Payload = make([]byte, size)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, fmt.Errorf("%w: reading frame payload: %w", amqpError.ErrDecode, err)
	}

	frameEnd := make([]byte, 1)
	if _, err := io.ReadFull(r, frameEnd); err != nil {
		return nil, fmt.Errorf("%w: reading frame end: %w", amqpError.ErrDecode, err)
	}
	if frameEnd[0] != FrameEnd {
		return nil, fmt.Errorf("%w: invalid frame-end octet: %#x", amqpError.ErrFraming, frameEnd[0])
	}
	return f, nil
}

// writeFrame writes a frame without flushing.
func writeFrame(w io.Writer, f *frame) error {
	buf := make([]byte, 0, 7+len(f.Payload)+1)
	buf = append(buf, f.Type)
	buf = binary.BigEndian.AppendUint16(buf, f.Channel)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = append(buf, f.Payload...)
	buf = append(buf, FrameEnd)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing %s frame: %w", getFrameTypeName(f.Type), err)
	}
	return nil
}

func methodFrame(channel, classID, methodID uint16, args []byte) *frame {
	payload := make([]byte, 4, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	binary.BigEndian.PutUint16(payload[2:4], methodID)
	return &frame{
		Type:    FrameMethod,
		Channel: channel,
		Payload: append(payload, args...),
	}
}

// method splits a method frame payload into its ids and argument reader.
func (f *frame) method() (classID, methodID uint16, args *Reader, err error) {
	if len(f.Payload) < 4 {
		return 0, 0, nil, fmt.Errorf("%w: method frame too short (%d bytes)", amqpError.ErrDecode, len(f.Payload))
	}
	classID = binary.BigEndian.Uint16(f.Payload[0:2])
	methodID = binary.BigEndian.Uint16(f.Payload[2:4])
	return classID, methodID, newBytesReader(f.Payload[4:]), nil
}

// contentFrames builds the header frame followed by body frames of at most
// frameMax-8 bytes each. An empty body yields only the header frame.
func contentFrames(channel, classID uint16, properties, body []byte, frameMax uint32) ([]*frame, error) {
	if frameMax <= frameOverhead {
		return nil, fmt.Errorf("%w: frame_max %d leaves no room for body bytes", amqpError.ErrEncode, frameMax)
	}

	header := NewWriter()
	header.WriteShort(classID)
	header.WriteShort(0) // weight
	header.WriteLongLong(uint64(len(body)))
	header.Write(properties)

	chunk := int(frameMax - frameOverhead)
	frames := make([]*frame, 0, 1+(len(body)+chunk-1)/chunk)
	frames = append(frames, &frame{Type: FrameHeader, Channel: channel, Payload: header.Bytes()})
	for len(body) > 0 {
		n := min(chunk, len(body))
		frames = append(frames, &frame{Type: FrameBody, Channel: channel, Payload: body[:n]})
		body = body[n:]
	}
	return frames, nil
}
