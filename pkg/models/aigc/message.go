package aigc

// roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// part types
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ContentPart 多段消息里的一段: 文本或图片
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"` // data:image/jpeg;base64,...
}

type ContentParts []ContentPart

// Message 会话中的一条消息. Content 与 Parts 二选一
type Message struct {
	Role    string       `json:"role"`
	Content string       `json:"content,omitempty"`
	Parts   ContentParts `json:"parts,omitempty"`
}

type Messages []Message

// NewConversation 以系统消息开头的新会话
func NewConversation(system string) Messages {
	return Messages{{Role: RoleSystem, Content: system}}
}

// SystemText 首条系统消息的内容, 无则为空
func (ms Messages) SystemText() string {
	if len(ms) > 0 && ms[0].Role == RoleSystem {
		return ms[0].Content
	}
	return ""
}

// WithSystem 替换首条系统消息并返回, 其余保持不变
func (ms Messages) WithSystem(text string) Messages {
	if len(ms) == 0 {
		return NewConversation(text)
	}
	out := make(Messages, len(ms))
	copy(out, ms)
	out[0] = Message{Role: RoleSystem, Content: text}
	return out
}

// Exchanges 已完成的问答轮数, 不含首条系统消息
func (ms Messages) Exchanges() int {
	if len(ms) < 1 {
		return 0
	}
	return (len(ms) - 1) / 2
}
