package avatar

import (
	"time"

	"github.com/google/uuid"
)

type MessageSender string

const (
	MessageSenderUser   MessageSender = "USER"
	MessageSenderAvatar MessageSender = "AVATAR"
)

// Message is one transcript entry. Sealed messages no longer take streaming
// updates.
type Message struct {
	ID        string        `json:"id"`
	Sender    MessageSender `json:"sender"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Sealed    bool          `json:"-"`
}

// History is the ordered transcript of a session. Entries are never removed
// while the session lives; Reset starts a new transcript.
//
// History does no locking of its own, the owning Session serializes access.
type History struct {
	messages []Message
	// index of the unsealed message per sender, -1 when there is none
	open    map[MessageSender]int
	flushed int
	now     func() time.Time
}

func NewHistory() *History {
	h := &History{now: time.Now}
	h.Reset()
	return h
}

func (h *History) Reset() {
	h.messages = nil
	h.flushed = 0
	h.open = map[MessageSender]int{
		MessageSenderUser:   -1,
		MessageSenderAvatar: -1,
	}
}

// AppendOrUpdate replaces the content of sender's open message, or appends a
// new one when sender has none. isFinal seals the resulting message.
func (h *History) AppendOrUpdate(sender MessageSender, content string, isFinal bool) Message {
	idx, ok := h.open[sender]
	if !ok || idx < 0 {
		h.messages = append(h.messages, Message{
			ID:        uuid.NewString(),
			Sender:    sender,
			Content:   content,
			Timestamp: h.now(),
		})
		idx = len(h.messages) - 1
		h.open[sender] = idx
	} else {
		h.messages[idx].Content = content
	}
	if isFinal {
		h.messages[idx].Sealed = true
		h.open[sender] = -1
	}
	return h.messages[idx]
}

// Seal closes sender's open message. It reports false when there was nothing
// to seal.
func (h *History) Seal(sender MessageSender) bool {
	idx, ok := h.open[sender]
	if !ok || idx < 0 {
		return false
	}
	h.messages[idx].Sealed = true
	h.open[sender] = -1
	return true
}

func (h *History) Messages() []Message {
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *History) Len() int {
	return len(h.messages)
}

// Subtitle is the content of the latest avatar message, sealed or not.
func (h *History) Subtitle() string {
	for i := len(h.messages) - 1; i >= 0; i-- {
		if h.messages[i].Sender == MessageSenderAvatar {
			return h.messages[i].Content
		}
	}
	return ""
}

// Unflushed returns the messages not yet handed to a Recorder and marks them
// flushed.
func (h *History) Unflushed() []Message {
	if h.flushed >= len(h.messages) {
		return nil
	}
	out := make([]Message, len(h.messages)-h.flushed)
	copy(out, h.messages[h.flushed:])
	h.flushed = len(h.messages)
	return out
}
