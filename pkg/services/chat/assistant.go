package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
)

// RunEvent 助理运行流的一个原始事件. Err 非空表示流在迭代中断掉,
// 之后不会再有事件
type RunEvent struct {
	Event string
	Data  json.RawMessage
	Err   error
}

// Assistant 有状态的远端 code-interpreter 会话: 助理与线程各一.
// 线程持有远端对话上下文, Reset 丢弃并重建.
// 重建与在途的 StreamRun 可能并发, threadID 由 mu 保护
type Assistant struct {
	c *Client

	assistantID string

	mu       sync.Mutex
	threadID string
}

func (a *Assistant) thread() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

// EnsureAssistant 创建助理与线程
func (c *Client) EnsureAssistant(ctx context.Context, name string) (*Assistant, error) {
	asst, err := c.oc.CreateAssistant(ctx, openai.AssistantRequest{
		Name:  &name,
		Model: c.mc.Deployment,
		Tools: []openai.AssistantTool{{Type: openai.AssistantToolTypeCodeInterpreter}},
	})
	if err != nil {
		return nil, transportFail("assistant", err)
	}
	thread, err := c.oc.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return nil, transportFail("assistant", err)
	}
	logger().Infow("assistant created", "assistant", asst.ID, "thread", thread.ID)
	return &Assistant{c: c, assistantID: asst.ID, threadID: thread.ID}, nil
}

// Reset 丢弃远端线程并重建, 助理保持不变
func (a *Assistant) Reset(ctx context.Context) error {
	if old := a.thread(); len(old) > 0 {
		if _, err := a.c.oc.DeleteThread(ctx, old); err != nil {
			logger().Infow("delete thread fail", "thread", old, "err", err)
		}
	}
	thread, err := a.c.oc.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return transportFail("assistant", err)
	}
	a.mu.Lock()
	a.threadID = thread.ID
	a.mu.Unlock()
	return nil
}

// UploadFile 上传一个文件给助理, 返回远端文件 ID
func (a *Assistant) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	file, err := a.c.oc.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    name,
		Bytes:   data,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		return "", transportFail("assistant", err)
	}
	return file.ID, nil
}

// FileName 远端文件的原始名称
func (a *Assistant) FileName(ctx context.Context, fileID string) (string, error) {
	f, err := a.c.oc.GetFile(ctx, fileID)
	if err != nil {
		return "", transportFail("assistant", err)
	}
	return f.FileName, nil
}

// FetchFile 取回远端文件内容
func (a *Assistant) FetchFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	content, err := a.c.oc.GetFileContent(ctx, fileID)
	if err != nil {
		return nil, transportFail("assistant", err)
	}
	return content, nil
}

// StreamRun 在线程上追加用户消息并发起一次流式运行.
// go-openai 未覆盖 stream:true 的 runs 调用, 这里自行请求并解析 SSE 帧.
// 事件按到达顺序进入返回的通道, 故障以带 Err 的最后事件收尾
func (a *Assistant) StreamRun(ctx context.Context, prompt string, fileIDs []string, instructions string) (<-chan RunEvent, error) {
	tid := a.thread()
	_, err := a.c.oc.CreateMessage(ctx, tid, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
		FileIds: fileIDs,
	})
	if err != nil {
		return nil, transportFail("assistant", err)
	}

	body, err := json.Marshal(map[string]any{
		"assistant_id": a.assistantID,
		"instructions": instructions,
		"stream":       true,
	})
	if err != nil {
		return nil, transportFail("assistant", err)
	}
	uri := fmt.Sprintf("%s/openai/threads/%s/runs?api-version=%s",
		strings.TrimSuffix(a.c.mc.Endpoint, "/"), tid, a.c.mc.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return nil, transportFail("assistant", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("api-key", a.c.mc.Key)

	resp, err := a.c.sc.Do(req)
	if err != nil {
		return nil, transportFail("assistant", err)
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, transportFail("assistant",
			fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b)))
	}

	out := make(chan RunEvent)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		var event string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(line[len("event:"):])
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(line[len("data:"):])
				if data == "[DONE]" {
					return
				}
				ev := RunEvent{Event: event, Data: json.RawMessage(data)}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			logger().Infow("run stream read fail", "thread", tid, "err", err)
			select {
			case out <- RunEvent{Err: transportFail("assistant", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}
