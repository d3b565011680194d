package messaging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"schoolmsg/internal/attachment"
	"schoolmsg/internal/conversation"
	"schoolmsg/internal/domain"
	"schoolmsg/internal/gateway"
	"schoolmsg/internal/metrics"
)

// outgoing is a send that can be retried: the draft plus the file bytes,
// which have already been consumed from the caller's reader.
type outgoing struct {
	key   string
	draft domain.Draft
	file  *retainedFile
}

type retainedFile struct {
	name      string
	mediaType string
	content   []byte
}

func (r *retainedFile) upload() domain.Upload {
	return domain.Upload{
		Name:      r.name,
		MediaType: r.mediaType,
		SizeBytes: int64(len(r.content)),
		Body:      bytes.NewReader(r.content),
	}
}

// ComposeAndSend shows the draft in its timeline at once, sends it, and then
// swaps the local echo for the service's copy. On failure the echo stays,
// marked Failed, and can be resent with Retry.
func (f *Facade) ComposeAndSend(ctx context.Context, d domain.Draft, up *domain.Upload, onProgress gateway.ProgressFunc) (domain.Message, error) {
	key, err := conversation.ForParticipants(f.self, d.RecipientID, d.StudentID)
	if err != nil {
		return domain.Message{}, err
	}
	if d.CorrelationID == "" {
		d.CorrelationID = uuid.NewString()
	}

	out := &outgoing{key: key.String(), draft: d}
	if up != nil {
		file, err := retain(*up)
		if err != nil {
			return domain.Message{}, err
		}
		out.file = file
	}

	f.mu.Lock()
	f.timelineLocked(out.key).upsert(echo(f.self, out))
	f.mu.Unlock()
	f.touch(out.key)

	return f.deliver(ctx, out, onProgress)
}

// Retry resends a failed message identified by its correlation id.
func (f *Facade) Retry(ctx context.Context, correlationID string, onProgress gateway.ProgressFunc) (domain.Message, error) {
	f.mu.Lock()
	out, ok := f.outbox[correlationID]
	if ok {
		delete(f.outbox, correlationID)
		m := echo(f.self, out)
		f.timelineLocked(out.key).upsert(m)
	}
	f.mu.Unlock()
	if !ok {
		return domain.Message{}, domain.Invalid("correlationId", "no failed message %q", correlationID)
	}
	f.touch(out.key)
	return f.deliver(ctx, out, onProgress)
}

func (f *Facade) deliver(ctx context.Context, out *outgoing, onProgress gateway.ProgressFunc) (domain.Message, error) {
	var res gateway.Result[domain.Message]
	if out.file != nil {
		res = f.gw.SendWithAttachment(ctx, out.draft, out.file.upload(), onProgress)
	} else {
		res = f.gw.Send(ctx, out.draft)
	}

	if !res.Success {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		f.fail(out, res.Err)
		return domain.Message{}, res.Err
	}

	metrics.MessagesSent.WithLabelValues("confirmed").Inc()
	confirmed := res.Data
	if confirmed.ConversationKey == "" {
		confirmed.ConversationKey = out.key
	}
	confirmed.CorrelationID = out.draft.CorrelationID

	f.mu.Lock()
	f.timelineLocked(out.key).upsert(confirmed)
	f.mu.Unlock()
	f.touch(out.key)

	confirmed.CorrelationID = ""
	f.archiveSave(ctx, []domain.Message{confirmed})
	return confirmed, nil
}

// fail marks the echo Failed and keeps the send for Retry.
func (f *Facade) fail(out *outgoing, err error) {
	cid := out.draft.CorrelationID

	f.mu.Lock()
	tl := f.timelineLocked(out.key)
	if i := tl.indexByCorrelation(cid); i >= 0 {
		tl.msgs[i].Failed = true
	}
	f.outbox[cid] = out
	f.mu.Unlock()

	f.logger.Warn("send failed", "key", out.key, "correlationId", cid, "err", err)
	f.touch(out.key)
}

// echo is the local copy shown while a send is in flight.
func echo(self domain.Participant, out *outgoing) domain.Message {
	d := out.draft
	m := domain.Message{
		CorrelationID:   d.CorrelationID,
		ConversationKey: out.key,
		SenderID:        self.ID,
		SenderRole:      self.Role,
		RecipientID:     d.RecipientID,
		StudentID:       d.StudentID,
		Subject:         d.Subject,
		Content:         d.Content,
		MessageType:     d.MessageType,
		Priority:        d.Priority,
		CreatedAt:       time.Now().UTC(),
	}
	if m.MessageType == "" {
		m.MessageType = domain.DefaultMessageType
	}
	if m.Priority == "" {
		m.Priority = domain.DefaultPriority
	}
	if out.file != nil {
		m.Attachments = []domain.Attachment{{
			OriginalName: out.file.name,
			SizeBytes:    int64(len(out.file.content)),
			MediaType:    out.file.mediaType,
		}}
	}
	return m
}

// retain reads the upload into memory so a failed send can be retried.
func retain(up domain.Upload) (*retainedFile, error) {
	if up.Body == nil {
		return nil, domain.Invalid("file", "file is required")
	}
	if v := attachment.Validate(attachment.File{SizeBytes: up.SizeBytes, MediaType: up.MediaType}); !v.Valid {
		return nil, v.Err
	}
	content, err := io.ReadAll(io.LimitReader(up.Body, attachment.MaxSizeBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", up.Name, err)
	}
	if v := attachment.Validate(attachment.File{SizeBytes: int64(len(content)), MediaType: up.MediaType}); !v.Valid {
		return nil, v.Err
	}
	return &retainedFile{name: up.Name, mediaType: up.MediaType, content: content}, nil
}
