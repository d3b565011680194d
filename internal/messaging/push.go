package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"schoolmsg/internal/bus"
	"schoolmsg/internal/conversation"
	"schoolmsg/internal/domain"
)

// onPush folds pushed messages and read receipts into the timelines.
// Typing notices are left to consumers.
func (f *Facade) onPush(ev bus.Event) error {
	switch ev.Name {
	case domain.EventNewMessage, domain.EventMessageDelivered:
		var m domain.Message
		if err := decodePayload(ev.Payload, &m); err != nil {
			return fmt.Errorf("%s: %w", ev.Name, err)
		}
		if m.ID == "" {
			return fmt.Errorf("%s: message without id", ev.Name)
		}
		key := f.keyOf(m)
		if key == "" {
			return fmt.Errorf("%s: cannot address message %s", ev.Name, m.ID)
		}
		m.ConversationKey = key
		f.mergeAll(key, []domain.Message{m})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.archiveSave(ctx, []domain.Message{m})

	case domain.EventMessageRead:
		var r struct {
			domain.ReadReceipt
			ID string `json:"id"`
		}
		if err := decodePayload(ev.Payload, &r); err != nil {
			return fmt.Errorf("%s: %w", ev.Name, err)
		}
		id := r.MessageID
		if id == "" {
			id = r.ID
		}
		if id == "" {
			return fmt.Errorf("%s: receipt without message id", ev.Name)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.markRead(ctx, id, r.ConversationKey)
	}
	return nil
}

// keyOf addresses a pushed message: its own key when present, otherwise the
// key between self and whichever side is not self.
func (f *Facade) keyOf(m domain.Message) string {
	if m.ConversationKey != "" {
		return m.ConversationKey
	}
	counterpart := m.SenderID
	if counterpart == f.self.ID {
		counterpart = m.RecipientID
	}
	key, err := conversation.ForParticipants(f.self, counterpart, m.StudentID)
	if err != nil {
		return ""
	}
	return key.String()
}

// decodePayload accepts raw JSON from the connection or an already typed value.
func decodePayload(payload any, out any) error {
	var data []byte
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		data = b
	}
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(data, out)
}
