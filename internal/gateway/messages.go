package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"schoolmsg/internal/conversation"
	"schoolmsg/internal/domain"
)

// Send posts a text message.
func (c *Client) Send(ctx context.Context, d domain.Draft) Result[domain.Message] {
	const op = "send"
	if err := checkDraft(d, false); err != nil {
		return failure[domain.Message](c, op, err)
	}
	body, err := json.Marshal(normalizeDraft(d))
	if err != nil {
		return failure[domain.Message](c, op, domain.Invalid("draft", "cannot encode draft: %v", err))
	}

	var msg domain.Message
	err = c.call(ctx, request{op: op, method: http.MethodPost, path: "/messages", body: body, checked: true}, &msg)
	if err != nil {
		return failure[domain.Message](c, op, err)
	}
	return ok(msg)
}

// GetConversation fetches one page of the thread with counterpartID about
// studentID, newest first as the service returns it.
func (c *Client) GetConversation(ctx context.Context, counterpartID, studentID string, page, limit int) Result[[]domain.Message] {
	const op = "conversation"
	key, err := conversation.ForParticipants(c.self, counterpartID, studentID)
	if err != nil {
		return failure[[]domain.Message](c, op, err)
	}
	q := pageQuery(page, limit)
	q.Set("conversationKey", key.String())

	path := "/messages/conversation/" + url.PathEscape(counterpartID) + "/" + url.PathEscape(studentID)
	return list[domain.Message](ctx, c, request{op: op, method: http.MethodGet, path: path, query: q, idempotent: true})
}

// GetConversations lists the caller's threads.
func (c *Client) GetConversations(ctx context.Context, page, limit int) Result[[]domain.ConversationSummary] {
	return list[domain.ConversationSummary](ctx, c, request{
		op: "conversations", method: http.MethodGet, path: "/messages/conversations",
		query: pageQuery(page, limit), idempotent: true,
	})
}

// GetInbox lists received messages, optionally unread only.
func (c *Client) GetInbox(ctx context.Context, page, limit int, unreadOnly bool) Result[[]domain.Message] {
	q := pageQuery(page, limit)
	q.Set("unreadOnly", strconv.FormatBool(unreadOnly))
	return list[domain.Message](ctx, c, request{
		op: "inbox", method: http.MethodGet, path: "/messages/inbox", query: q, idempotent: true,
	})
}

// SearchMessages runs a full-text search over the caller's messages.
func (c *Client) SearchMessages(ctx context.Context, query string, page, limit int) Result[[]domain.Message] {
	const op = "search"
	query = strings.TrimSpace(query)
	if query == "" {
		return failure[[]domain.Message](c, op, domain.Invalid("q", "search query is required"))
	}
	q := pageQuery(page, limit)
	q.Set("q", query)
	return list[domain.Message](ctx, c, request{
		op: op, method: http.MethodGet, path: "/messages/search", query: q, idempotent: true,
	})
}

// GetMessageStats returns counters over the last timeframeDays days.
func (c *Client) GetMessageStats(ctx context.Context, timeframeDays int) Result[domain.Stats] {
	const op = "stats"
	if timeframeDays <= 0 {
		timeframeDays = defaultTimeframe
	}
	q := url.Values{}
	q.Set("timeframe", strconv.Itoa(timeframeDays))

	var st domain.Stats
	if err := c.call(ctx, request{op: op, method: http.MethodGet, path: "/messages/stats", query: q, idempotent: true}, &st); err != nil {
		return failure[domain.Stats](c, op, err)
	}
	if st.TimeframeDays == 0 {
		st.TimeframeDays = timeframeDays
	}
	return ok(st)
}

// GetAvailableContacts lists who the caller may write to, optionally about
// one student.
func (c *Client) GetAvailableContacts(ctx context.Context, studentID string) Result[[]domain.Contact] {
	var q url.Values
	if studentID != "" {
		q = url.Values{}
		q.Set("studentId", studentID)
	}
	return list[domain.Contact](ctx, c, request{
		op: "contacts", method: http.MethodGet, path: "/messages/contacts", query: q, idempotent: true,
	})
}

// GetMessageTemplates lists the templates the service offers.
func (c *Client) GetMessageTemplates(ctx context.Context) Result[[]domain.MessageTemplate] {
	return list[domain.MessageTemplate](ctx, c, request{
		op: "templates", method: http.MethodGet, path: "/messages/templates", idempotent: true,
	})
}

// MarkAsRead flags a message as read. Marking twice is harmless.
func (c *Client) MarkAsRead(ctx context.Context, messageID string) Result[domain.Message] {
	const op = "mark_read"
	if messageID == "" {
		return failure[domain.Message](c, op, domain.Invalid("id", "message id is required"))
	}
	var msg domain.Message
	err := c.call(ctx, request{
		op: op, method: http.MethodPatch, path: "/messages/" + url.PathEscape(messageID) + "/read", idempotent: true,
	}, &msg)
	if err != nil {
		return failure[domain.Message](c, op, err)
	}
	// Some deployments answer with no body; the id is all callers need.
	if msg.ID == "" {
		msg.ID = messageID
	}
	msg.MarkRead()
	return ok(msg)
}

func list[T any](ctx context.Context, c *Client, r request) Result[[]T] {
	var items []T
	r.checked = true
	if err := c.call(ctx, r, &items); err != nil {
		return failure[[]T](c, r.op, err)
	}
	if items == nil {
		items = []T{}
	}
	return ok(items)
}
