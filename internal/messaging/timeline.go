package messaging

import (
	"context"
	"sort"

	"schoolmsg/internal/domain"
)

// timeline is the ordered message list of one conversation, oldest first.
// A message appears at most once: by id once confirmed, by correlation id
// while it is still a local echo.
type timeline struct {
	msgs []domain.Message
}

func (t *timeline) snapshot() []domain.Message {
	out := make([]domain.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *timeline) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *timeline) indexByCorrelation(cid string) int {
	if cid == "" {
		return -1
	}
	for i := range t.msgs {
		if t.msgs[i].CorrelationID == cid && t.msgs[i].ID == "" {
			return i
		}
	}
	return -1
}

// upsert merges m into the timeline. A confirmed copy replaces the local
// echo carrying the same correlation id; a copy of a known id is merged
// with sticky read state; anything else is appended in time order.
func (t *timeline) upsert(m domain.Message) {
	byID := t.indexByID(m.ID)
	byCorr := -1
	if m.ID != "" {
		byCorr = t.indexByCorrelation(m.CorrelationID)
	}

	switch {
	case byID >= 0 && byCorr >= 0:
		// The push echo arrived before the send reply; drop the local echo.
		m.CorrelationID = ""
		t.msgs[byID].Merge(m)
		t.remove(byCorr)
	case byID >= 0:
		m.CorrelationID = ""
		t.msgs[byID].Merge(m)
	case byCorr >= 0:
		m.CorrelationID = ""
		t.msgs[byCorr].Merge(m)
		t.reorder()
	case m.ID == "" && t.indexByCorrelation(m.CorrelationID) >= 0:
		t.msgs[t.indexByCorrelation(m.CorrelationID)] = m
	default:
		t.msgs = append(t.msgs, m)
		t.reorder()
	}
}

func (t *timeline) remove(i int) {
	t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
}

// reorder keeps the list chronological. Messages without a timestamp go
// last; ties keep arrival order.
func (t *timeline) reorder() {
	sort.SliceStable(t.msgs, func(i, j int) bool {
		a, b := t.msgs[i].CreatedAt, t.msgs[j].CreatedAt
		if a.IsZero() || b.IsZero() {
			return !a.IsZero() && b.IsZero()
		}
		return a.Before(b)
	})
}

// markRead flips the read flag of id. It reports whether the message was found.
func (t *timeline) markRead(id string) bool {
	i := t.indexByID(id)
	if i < 0 {
		return false
	}
	t.msgs[i].MarkRead()
	return true
}

// --- Facade helpers ---

// timelineLocked returns the timeline of key, creating it. f.mu must be held.
func (f *Facade) timelineLocked(key string) *timeline {
	tl, ok := f.timelines[key]
	if !ok {
		tl = &timeline{}
		f.timelines[key] = tl
	}
	return tl
}

// mergeAll upserts msgs into the timeline of key and announces the change.
func (f *Facade) mergeAll(key string, msgs []domain.Message) {
	f.mu.Lock()
	tl := f.timelineLocked(key)
	for _, m := range msgs {
		tl.upsert(m)
	}
	f.mu.Unlock()
	f.touch(key)
}

// markRead applies a read receipt locally. When key is empty every timeline
// is searched.
func (f *Facade) markRead(ctx context.Context, messageID, key string) {
	var touched []string
	f.mu.Lock()
	if tl, ok := f.timelines[key]; ok && key != "" {
		if tl.markRead(messageID) {
			touched = append(touched, key)
		}
	} else {
		for k, tl := range f.timelines {
			if tl.markRead(messageID) {
				touched = append(touched, k)
			}
		}
	}
	f.mu.Unlock()

	if f.archive != nil {
		if err := f.archive.MarkRead(ctx, messageID); err != nil {
			f.logger.Warn("archive mark read failed", "id", messageID, "err", err)
		}
	}
	for _, k := range touched {
		f.touch(k)
	}
}
