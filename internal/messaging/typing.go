package messaging

import (
	"context"
	"time"

	"schoolmsg/internal/domain"
)

type typingState struct {
	timer *time.Timer
}

// StartTyping announces that self is typing in key. Repeated calls only push
// the automatic stop further out; typing_start is sent once per burst.
func (f *Facade) StartTyping(ctx context.Context, key string) error {
	if key == "" {
		return domain.Invalid("conversationId", "conversation key is required")
	}

	f.mu.Lock()
	if st, ok := f.typing[key]; ok && st.timer.Stop() {
		st.timer.Reset(f.debounce)
		f.mu.Unlock()
		return nil
	}
	st := &typingState{}
	st.timer = time.AfterFunc(f.debounce, func() { f.expireTyping(key, st) })
	f.typing[key] = st
	f.mu.Unlock()

	if err := f.conn.Emit(ctx, domain.EventTypingStart, f.notice(key)); err != nil {
		f.mu.Lock()
		if f.typing[key] == st {
			st.timer.Stop()
			delete(f.typing, key)
		}
		f.mu.Unlock()
		return err
	}
	return nil
}

// StopTyping ends a typing burst early. It is a no-op when none is active.
func (f *Facade) StopTyping(ctx context.Context, key string) error {
	f.mu.Lock()
	st, ok := f.typing[key]
	if ok {
		st.timer.Stop()
		delete(f.typing, key)
	}
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return f.conn.Emit(ctx, domain.EventTypingStop, f.notice(key))
}

// IsTyping reports whether a typing burst is active in key.
func (f *Facade) IsTyping(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.typing[key]
	return ok
}

func (f *Facade) expireTyping(key string, st *typingState) {
	f.mu.Lock()
	if f.typing[key] != st {
		f.mu.Unlock()
		return
	}
	delete(f.typing, key)
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.emitTyping(ctx, domain.EventTypingStop, key)
}

func (f *Facade) emitTyping(ctx context.Context, event, key string) {
	if err := f.conn.Emit(ctx, event, f.notice(key)); err != nil {
		f.logger.Debug("typing notice not sent", "event", event, "key", key, "err", err)
	}
}

func (f *Facade) notice(key string) domain.TypingNotice {
	return domain.TypingNotice{ConversationID: key, UserID: f.self.ID}
}
