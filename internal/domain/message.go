package domain

import (
	"encoding/json"
	"io"
	"time"
)

// Role distinguishes the two principals of a conversation.
type Role string

const (
	RoleGuardian Role = "guardian"
	RoleStaff    Role = "staff"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleGuardian || r == RoleStaff
}

// Participant is the identity of the local user. It is configured alongside
// the auth token, never read out of it.
type Participant struct {
	ID   string `json:"id" yaml:"id"`
	Role Role   `json:"role" yaml:"role"`
}

type Contact struct {
	ID          string         `json:"id" validate:"required"`
	DisplayName string         `json:"displayName"`
	Role        Role           `json:"role" validate:"required,oneof=guardian staff"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Student struct {
	ID          string `json:"id" validate:"required"`
	DisplayName string `json:"displayName"`
	GradeLabel  string `json:"gradeLabel,omitempty"`
	ClassLabel  string `json:"classLabel,omitempty"`
}

// Attachment describes a file carried by a message. StorageRef is empty until
// the remote service has stored the upload.
type Attachment struct {
	OriginalName string `json:"originalName"`
	SizeBytes    int64  `json:"sizeBytes"`
	MediaType    string `json:"mediaType"`
	StorageRef   string `json:"storageRef,omitempty"`
}

// Message is a single entry of a guardian/staff conversation.
type Message struct {
	ID              string       `json:"id,omitempty" validate:"required"`
	CorrelationID   string       `json:"correlationId,omitempty"`
	ConversationKey string       `json:"conversationKey,omitempty"`
	SenderID        string       `json:"senderId" validate:"required"`
	SenderRole      Role         `json:"senderRole,omitempty"`
	RecipientID     string       `json:"recipientId"`
	StudentID       string       `json:"studentId"`
	Subject         string       `json:"subject,omitempty"`
	Content         string       `json:"content"`
	MessageType     string       `json:"messageType,omitempty"`
	Priority        string       `json:"priority,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	IsRead          bool         `json:"isRead"`

	// Failed marks a local copy whose send was rejected; it stays visible for retry.
	Failed bool `json:"failed,omitempty"`

	// Extra keeps fields the service sent that this version does not know about.
	Extra map[string]json.RawMessage `json:"-"`
}

var messageFields = []string{
	"id", "correlationId", "conversationKey", "senderId", "senderRole",
	"recipientId", "studentId", "subject", "content", "messageType",
	"priority", "attachments", "createdAt", "isRead", "failed",
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range messageFields {
		delete(raw, k)
	}
	p.Extra = nil
	if len(raw) > 0 {
		p.Extra = raw
	}
	*m = Message(p)
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	data, err := json.Marshal(plain(m))
	if err != nil || len(m.Extra) == 0 {
		return data, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Pending reports whether m is a local echo still waiting for the service.
func (m *Message) Pending() bool {
	return m.ID == "" && m.CorrelationID != ""
}

// MarkRead flips IsRead on. There is deliberately no way to flip it back.
func (m *Message) MarkRead() {
	m.IsRead = true
}

// Merge folds a newer copy of the same message into m. Read state is sticky.
func (m *Message) Merge(newer Message) {
	read := m.IsRead || newer.IsRead
	*m = newer
	m.IsRead = read
}

type MessageTemplate struct {
	ID       string `json:"id" yaml:"id" validate:"required"`
	Title    string `json:"title" yaml:"title"`
	Category string `json:"category" yaml:"category"`
	Template string `json:"template" yaml:"template"`
}

type ConversationSummary struct {
	ConversationKey string   `json:"conversationKey"`
	Counterpart     Contact  `json:"counterpart"`
	Student         Student  `json:"student"`
	LastMessage     *Message `json:"lastMessage,omitempty"`
	UnreadCount     int      `json:"unreadCount"`
}

type Stats struct {
	TimeframeDays int            `json:"timeframeDays"`
	Sent          int            `json:"sent"`
	Received      int            `json:"received"`
	Unread        int            `json:"unread"`
	ByType        map[string]int `json:"byType,omitempty"`
	ByPriority    map[string]int `json:"byPriority,omitempty"`
}

// Draft is what a composer hands to the send path.
type Draft struct {
	CorrelationID string `json:"correlationId,omitempty"`
	RecipientID   string `json:"recipientId" validate:"required"`
	StudentID     string `json:"studentId" validate:"required"`
	Subject       string `json:"subject,omitempty" validate:"max=200"`
	Content       string `json:"content" validate:"max=5000"`
	MessageType   string `json:"messageType,omitempty" validate:"omitempty,oneof=general academic behavior attendance health event"`
	Priority      string `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
}

const (
	DefaultMessageType = "general"
	DefaultPriority    = "normal"
)

// Upload is a local file on its way to the service.
type Upload struct {
	Name      string
	MediaType string
	SizeBytes int64
	Body      io.Reader
}

// Download is an attachment fetched back from the service.
type Download struct {
	Bytes     []byte
	FileName  string
	MediaType string
}

// ReadReceipt is the payload of a message_read push event.
type ReadReceipt struct {
	MessageID       string    `json:"messageId"`
	ConversationKey string    `json:"conversationKey,omitempty"`
	ReaderID        string    `json:"readerId,omitempty"`
	ReadAt          time.Time `json:"readAt,omitempty"`
}

// TypingNotice is the payload of typing_start / typing_stop.
type TypingNotice struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}
