package internal

import "time"

// ProtocolHeader is sent once, before the first frame.
const ProtocolHeader = "AMQP\x01\x01\x09\x01"

const (
	FrameMethod    = 1
	FrameHeader    = 2
	FrameBody      = 3
	FrameHeartbeat = 8
	FrameEnd       = 0xCE
)

// frameOverhead is the part of frame_max a body frame cannot use for
// payload: type, channel, size and the end octet.
const frameOverhead = 8

const (
	ClassConnection = 10
	ClassChannel    = 20
	ClassAccess     = 30
	ClassBasic      = 60
)

const (
	MethodConnectionStart   = 10
	MethodConnectionStartOk = 11
	MethodConnectionTune    = 30
	MethodConnectionTuneOk  = 31
	MethodConnectionOpen    = 40
	MethodConnectionOpenOk  = 41
	MethodConnectionClose   = 60
	MethodConnectionCloseOk = 61

	MethodChannelOpen    = 10
	MethodChannelOpenOk  = 11
	MethodChannelClose   = 40
	MethodChannelCloseOk = 41

	MethodAccessRequest   = 10
	MethodAccessRequestOk = 11

	MethodBasicPublish = 40
)

// Values sent during negotiation.
const (
	defaultLocale = "en_US"
	// Heartbeats are not implemented, so TuneOk always requests none.
	tuneOkHeartbeat = 0
	// Grace period for the CloseOk exchange when the caller's context has
	// no deadline.
	closeOkTimeout = 5 * time.Second
)
