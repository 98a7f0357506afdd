package internal

import "fmt"

// getFrameTypeName returns a string representation of a frame type
func getFrameTypeName(frameType byte) string {
	switch frameType {
	case FrameMethod:
		return "METHOD"
	case FrameHeader:
		return "HEADER"
	case FrameBody:
		return "BODY"
	case FrameHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", frameType)
	}
}

// getClassName returns a string representation of a class ID
func getClassName(classId uint16) string {
	switch classId {
	case ClassConnection:
		return "connection"
	case ClassChannel:
		return "channel"
	case ClassAccess:
		return "access"
	case ClassBasic:
		return "basic"
	default:
		return fmt.Sprintf("unknown(%d)", classId)
	}
}

// getMethodName returns a string representation of a method ID within a class
func getMethodName(classId uint16, methodId uint16) string {
	switch classId {
	case ClassConnection:
		switch methodId {
		case MethodConnectionStart:
			return "start"
		case MethodConnectionStartOk:
			return "start-ok"
		case MethodConnectionTune:
			return "tune"
		case MethodConnectionTuneOk:
			return "tune-ok"
		case MethodConnectionOpen:
			return "open"
		case MethodConnectionOpenOk:
			return "open-ok"
		case MethodConnectionClose:
			return "close"
		case MethodConnectionCloseOk:
			return "close-ok"
		}
	case ClassChannel:
		switch methodId {
		case MethodChannelOpen:
			return "open"
		case MethodChannelOpenOk:
			return "open-ok"
		case MethodChannelClose:
			return "close"
		case MethodChannelCloseOk:
			return "close-ok"
		}
	case ClassAccess:
		switch methodId {
		case MethodAccessRequest:
			return "request"
		case MethodAccessRequestOk:
			return "request-ok"
		}
	case ClassBasic:
		if methodId == MethodBasicPublish {
			return "publish"
		}
	}
	return fmt.Sprintf("unknown(%d)", methodId)
}

// getFullMethodName returns the complete method name as class.method
func getFullMethodName(classId uint16, methodId uint16) string {
	return fmt.Sprintf("%s.%s", getClassName(classId), getMethodName(classId, methodId))
}
