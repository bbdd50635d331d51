package chat

import (
	"context"
	"encoding/json"

	"github.com/liut/nemain/pkg/models/aigc"
)

// run stream event names
const (
	evRunStepCreated   = "thread.run.step.created"
	evRunStepDelta     = "thread.run.step.delta"
	evRunStepCompleted = "thread.run.step.completed"
	evMessageCreated   = "thread.message.created"
	evMessageDelta     = "thread.message.delta"
)

// 呈现层使用的固定标记文本
const (
	MarkCodeOpen  = "Generating code to interpret:\n\n```py"
	MarkSection   = "\nResponse:\n"
	MarkCodeClose = "\n```\nExecuting code..."
)

const fileKindImage = "image"

type stepDetails struct {
	Type      string `json:"type"`
	ToolCalls []struct {
		Type            string `json:"type"`
		CodeInterpreter *struct {
			Input   string `json:"input"`
			Outputs []struct {
				Type  string `json:"type"`
				Image *struct {
					FileID string `json:"file_id"`
				} `json:"image"`
			} `json:"outputs"`
		} `json:"code_interpreter"`
	} `json:"tool_calls"`
}

type runStepPayload struct {
	StepDetails stepDetails `json:"step_details"`
}

type runStepDeltaPayload struct {
	Delta struct {
		StepDetails stepDetails `json:"step_details"`
	} `json:"delta"`
}

type messageDeltaPayload struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text *struct {
				Value       string `json:"value"`
				Annotations []struct {
					Type     string `json:"type"`
					FilePath struct {
						FileID string `json:"file_id"`
					} `json:"file_path"`
				} `json:"annotations"`
			} `json:"text"`
			ImageFile *struct {
				FileID string `json:"file_id"`
			} `json:"image_file"`
		} `json:"content"`
	} `json:"delta"`
}

// RouteEvent 把一个原始运行事件映射为零或多个归一化事件.
// 纯函数; 同一输入恒产生同一输出, 顺序即输入顺序
func RouteEvent(ev RunEvent) []aigc.StreamEvent {
	if ev.Err != nil {
		return []aigc.StreamEvent{aigc.ErrorEvent(ev.Err.Error())}
	}
	switch ev.Event {
	case evRunStepCreated:
		var p runStepPayload
		if err := json.Unmarshal(ev.Data, &p); err == nil && p.StepDetails.Type == "tool_calls" {
			return []aigc.StreamEvent{aigc.ToolCallStarted()}
		}
	case evMessageCreated:
		return []aigc.StreamEvent{aigc.TextDelta(MarkSection)}
	case evMessageDelta:
		var p messageDeltaPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			logger().Infow("decode message delta fail", "err", err)
			return nil
		}
		var out []aigc.StreamEvent
		for _, ct := range p.Delta.Content {
			switch ct.Type {
			case "text":
				if ct.Text == nil {
					continue
				}
				if len(ct.Text.Value) > 0 {
					out = append(out, aigc.TextDelta(ct.Text.Value))
				} else if len(ct.Text.Annotations) > 0 {
					ann := ct.Text.Annotations[0]
					out = append(out, aigc.FileReady(ann.FilePath.FileID, ann.Type))
				}
			case "image_file":
				if ct.ImageFile != nil {
					out = append(out, aigc.FileReady(ct.ImageFile.FileID, fileKindImage))
				}
			}
		}
		return out
	case evRunStepCompleted:
		var p runStepPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil
		}
		if p.StepDetails.Type == "tool_calls" {
			for _, tc := range p.StepDetails.ToolCalls {
				if tc.Type == "code_interpreter" {
					return []aigc.StreamEvent{aigc.TextDelta(MarkCodeClose)}
				}
			}
		}
	case evRunStepDelta:
		var p runStepDeltaPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil
		}
		if p.Delta.StepDetails.Type != "tool_calls" {
			return nil
		}
		var out []aigc.StreamEvent
		for _, tc := range p.Delta.StepDetails.ToolCalls {
			if tc.Type != "code_interpreter" || tc.CodeInterpreter == nil {
				continue
			}
			if len(tc.CodeInterpreter.Input) > 0 {
				out = append(out, aigc.TextDelta(tc.CodeInterpreter.Input))
				continue
			}
			for _, o := range tc.CodeInterpreter.Outputs {
				if o.Type == fileKindImage && o.Image != nil {
					out = append(out, aigc.FileReady(o.Image.FileID, fileKindImage))
					break
				}
			}
		}
		return out
	}
	return nil
}

// Normalize 逐个消费原始事件并按到达顺序产出归一化事件.
// 出错时产出单个 Error 事件后结束
func Normalize(ctx context.Context, in <-chan RunEvent) <-chan aigc.StreamEvent {
	out := make(chan aigc.StreamEvent)
	go func() {
		defer close(out)
		for ev := range in {
			for _, se := range RouteEvent(ev) {
				select {
				case out <- se:
				case <-ctx.Done():
					return
				}
			}
			if ev.Err != nil {
				return
			}
		}
	}()
	return out
}
