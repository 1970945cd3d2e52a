package rpc

import (
	"strconv"
	"time"
)

// messageType distinguishes a request envelope from a response envelope,
// carried in the wire-level messageType property.
type messageType string

const (
	messageTypeRequest  messageType = "REQUEST"
	messageTypeResponse messageType = "RESPONSE"
)

// Property keys for the broker-level user properties every envelope carries.
const (
	propCorrelationID = "correlationId"
	propSenderID      = "senderId"
	propSessionID     = "sessionId"
	propMessageType   = "messageType"
	propTimestamp     = "timestamp"
	propStreamEnd     = "streamEnd"
	propStreamFinal   = "streamFinal"
	propSuccess       = "success"
	propErrorMessage  = "errorMessage"
)

// metadata is the decoded form of a message's broker-level user properties.
// encode and decodeMetadata round-trip every valid combination.
type metadata struct {
	CorrelationID string
	SenderID      string
	SessionID     string
	Type          messageType
	TimestampMs   int64
	StreamEnd     bool
	StreamFinal   bool
	Success       bool
	HasSuccess    bool
	ErrorMessage  string
}

// encode serializes metadata into the broker's flat string property map.
// Boolean and absent fields are omitted entirely rather than written as
// "false", so Decode can tell "absent" from "present and false".
func (m metadata) encode() map[string]string {
	props := map[string]string{
		propCorrelationID: m.CorrelationID,
		propMessageType:   string(m.Type),
		propTimestamp:     strconv.FormatInt(m.TimestampMs, 10),
	}
	if m.SenderID != "" {
		props[propSenderID] = m.SenderID
	}
	if m.SessionID != "" {
		props[propSessionID] = m.SessionID
	}
	if m.StreamEnd {
		props[propStreamEnd] = "true"
	}
	if m.StreamFinal {
		props[propStreamFinal] = "true"
	}
	if m.HasSuccess {
		props[propSuccess] = strconv.FormatBool(m.Success)
	}
	if m.ErrorMessage != "" {
		props[propErrorMessage] = m.ErrorMessage
	}
	return props
}

// decodeMetadata parses a broker message's properties back into a
// metadata value.
func decodeMetadata(props map[string]string) metadata {
	m := metadata{
		CorrelationID: props[propCorrelationID],
		SenderID:      props[propSenderID],
		SessionID:     props[propSessionID],
		Type:          messageType(props[propMessageType]),
	}
	if ts, err := strconv.ParseInt(props[propTimestamp], 10, 64); err == nil {
		m.TimestampMs = ts
	}
	if v, ok := props[propStreamEnd]; ok {
		m.StreamEnd = v == "true"
	}
	if v, ok := props[propStreamFinal]; ok {
		m.StreamFinal = v == "true"
	}
	if v, ok := props[propSuccess]; ok {
		m.HasSuccess = true
		m.Success = v == "true"
	}
	m.ErrorMessage = props[propErrorMessage]
	return m
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
