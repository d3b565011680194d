package domain

// Channel names a ListenerBus topic.
type Channel string

const (
	ChannelMessage    Channel = "message"
	ChannelConnection Channel = "connection"
	ChannelTimeline   Channel = "timeline"
)

// Push events forwarded on ChannelMessage.
const (
	EventNewMessage       = "new_message"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
)

// Lifecycle events on ChannelConnection.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

// EventTimelineUpdated is published on ChannelTimeline with the conversation key.
const EventTimelineUpdated = "updated"

// Frames the client sends to the service.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
)

// IsPushEvent reports whether name is one of the inbound events forwarded to consumers.
func IsPushEvent(name string) bool {
	switch name {
	case EventNewMessage, EventMessageDelivered, EventMessageRead, EventTypingStart, EventTypingStop:
		return true
	}
	return false
}

// Publisher is the part of the ListenerBus producers depend on.
type Publisher interface {
	Publish(channel Channel, event string, payload any)
}
