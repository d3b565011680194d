package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"schoolmsg/internal/attachment"
	"schoolmsg/internal/domain"
	"schoolmsg/internal/metrics"
)

// ProgressFunc receives upload progress in percent.
type ProgressFunc func(percent int)

const defaultDownloadName = "attachment"

// SendWithAttachment posts a message with one file. The file is checked
// against the attachment rules before any bytes leave the process. Progress
// values are strictly increasing and end with 100 on success.
func (c *Client) SendWithAttachment(ctx context.Context, d domain.Draft, up domain.Upload, onProgress ProgressFunc) Result[domain.Message] {
	const op = "send_attachment"

	if up.Body == nil {
		return failure[domain.Message](c, op, domain.Invalid("file", "file is required"))
	}
	if v := attachment.Validate(attachment.File{SizeBytes: up.SizeBytes, MediaType: up.MediaType}); !v.Valid {
		return failure[domain.Message](c, op, v.Err)
	}
	if err := checkDraft(d, true); err != nil {
		return failure[domain.Message](c, op, err)
	}

	// The declared size is not trusted: read at most one byte past the limit.
	content, err := io.ReadAll(io.LimitReader(up.Body, attachment.MaxSizeBytes+1))
	if err != nil {
		return failure[domain.Message](c, op, fmt.Errorf("read %s: %w", up.Name, err))
	}
	if v := attachment.Validate(attachment.File{SizeBytes: int64(len(content)), MediaType: up.MediaType}); !v.Valid {
		return failure[domain.Message](c, op, v.Err)
	}

	body, contentType, err := multipartBody(normalizeDraft(d), up, content)
	if err != nil {
		return failure[domain.Message](c, op, err)
	}

	pr := &progressReader{r: bytes.NewReader(body), total: int64(len(body)), report: onProgress}
	var msg domain.Message
	err = c.call(ctx, request{
		op: op, method: http.MethodPost, path: "/messages/attachment",
		raw: pr, contentType: contentType, contentLength: int64(len(body)),
		checked: true,
	}, &msg)
	if err != nil {
		return failure[domain.Message](c, op, err)
	}

	metrics.AttachmentBytes.Add(float64(len(content)))
	pr.finish()
	return ok(msg)
}

// multipartBody builds the form: a "payload" JSON field with the draft and
// a "file" part carrying the original name and media type.
func multipartBody(d domain.Draft, up domain.Upload, content []byte) ([]byte, string, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, "", fmt.Errorf("encode draft: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("payload", string(payload)); err != nil {
		return nil, "", fmt.Errorf("write payload: %w", err)
	}

	name := filepath.Base(up.Name)
	if name == "." || name == string(filepath.Separator) {
		name = defaultDownloadName
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": name}))
	h.Set("Content-Type", up.MediaType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", fmt.Errorf("copy file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

// progressReader reports how much of the request body the transport has
// consumed. 100 is held back until the service has answered.
type progressReader struct {
	r      io.Reader
	total  int64
	report ProgressFunc

	mu   sync.Mutex
	read int64
	last int
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.report != nil && p.total > 0 {
		p.mu.Lock()
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		if pct >= 100 {
			pct = 99
		}
		emit := pct > p.last
		if emit {
			p.last = pct
		}
		p.mu.Unlock()
		if emit {
			p.report(pct)
		}
	}
	return n, err
}

func (p *progressReader) finish() {
	if p.report == nil {
		return
	}
	p.mu.Lock()
	emit := p.last < 100
	p.last = 100
	p.mu.Unlock()
	if emit {
		p.report(100)
	}
}

// DownloadAttachment fetches attachment index of messageID.
func (c *Client) DownloadAttachment(ctx context.Context, messageID string, index int) Result[domain.Download] {
	const op = "download"
	if messageID == "" {
		return failure[domain.Download](c, op, domain.Invalid("id", "message id is required"))
	}
	if index < 0 {
		return failure[domain.Download](c, op, domain.Invalid("index", "attachment index must not be negative"))
	}

	resp, err := c.roundTrip(ctx, request{
		op: op, method: http.MethodGet, idempotent: true,
		path: "/messages/" + url.PathEscape(messageID) + "/attachments/" + strconv.Itoa(index),
	})
	if err != nil {
		return failure[domain.Download](c, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := snippet(data)
		var env envelope
		if json.Unmarshal(data, &env) == nil && env.text() != "" {
			msg = env.text()
		}
		return failure[domain.Download](c, op, &domain.RequestError{Op: op, Status: resp.StatusCode, Message: msg})
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure[domain.Download](c, op, domain.TransportErr(op, err))
	}
	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return ok(domain.Download{
		Bytes:     data,
		FileName:  fileNameFrom(resp.Header.Get("Content-Disposition")),
		MediaType: mediaType,
	})
}

// fileNameFrom extracts the file name of a Content-Disposition header,
// falling back to "attachment".
func fileNameFrom(disposition string) string {
	if disposition == "" {
		return defaultDownloadName
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return defaultDownloadName
	}
	name := strings.TrimSpace(params["filename"])
	if name == "" {
		return defaultDownloadName
	}
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return defaultDownloadName
	}
	return name
}
