// Package bus moves events between channel adapters and the agent loop.
// Inbound and outbound traffic flows through bounded queues; inbound events
// are additionally fanned out to per-channel topic subscriptions.
package bus

import (
	"maps"
	"time"
)

// InboundEvent is a message received from a channel adapter.
type InboundEvent struct {
	Channel   string         `json:"channel"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// OutboundEvent is a message to be delivered by a channel adapter.
type OutboundEvent struct {
	Channel   string         `json:"channel"`
	SessionID string         `json:"session_id"`
	TargetID  string         `json:"target_id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewInbound builds an inbound event stamped with the current UTC time.
// The metadata map is copied so later changes by the caller are not visible.
func NewInbound(channel, sessionID, userID, text string, metadata map[string]any) InboundEvent {
	return InboundEvent{
		Channel:   channel,
		SessionID: sessionID,
		UserID:    userID,
		Text:      text,
		Metadata:  maps.Clone(metadata),
		CreatedAt: time.Now().UTC(),
	}
}

// NewOutbound builds an outbound event stamped with the current UTC time.
func NewOutbound(channel, sessionID, targetID, text string, metadata map[string]any) OutboundEvent {
	return OutboundEvent{
		Channel:   channel,
		SessionID: sessionID,
		TargetID:  targetID,
		Text:      text,
		Metadata:  maps.Clone(metadata),
		CreatedAt: time.Now().UTC(),
	}
}

// MetaString returns a string metadata value, or "" when absent or not a string.
func (e InboundEvent) MetaString(key string) string {
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}
