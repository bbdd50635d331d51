package aigc

// StreamEventKind 归一化后的助理输出事件类型
type StreamEventKind uint8

const (
	EventTextDelta StreamEventKind = iota + 1
	EventToolCallStarted
	EventFileReady
	EventError
)

func (k StreamEventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventToolCallStarted:
		return "tool_call_started"
	case EventFileReady:
		return "file_ready"
	case EventError:
		return "error"
	}
	return "unknown"
}

// StreamEvent 助理运行流的归一化单元, 严格按到达顺序产生与消费
type StreamEvent struct {
	Kind StreamEventKind `json:"kind"`

	Text string `json:"text,omitempty"` // EventTextDelta 的增量文本

	FileID   string `json:"fileID,omitempty"`   // EventFileReady
	FileKind string `json:"fileKind,omitempty"` // "image" 或声明的文件类型

	Message string `json:"message,omitempty"` // EventError 的诊断文本
}

// TextDelta ...
func TextDelta(text string) StreamEvent {
	return StreamEvent{Kind: EventTextDelta, Text: text}
}

// ToolCallStarted ...
func ToolCallStarted() StreamEvent {
	return StreamEvent{Kind: EventToolCallStarted}
}

// FileReady ...
func FileReady(id, kind string) StreamEvent {
	return StreamEvent{Kind: EventFileReady, FileID: id, FileKind: kind}
}

// ErrorEvent ...
func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Kind: EventError, Message: msg}
}
