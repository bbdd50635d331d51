package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/liut/nemain/pkg/models/aigc"
)

const (
	auxTimeout = time.Second * 30

	// translateWrap 包装翻译请求的固定格式
	translateWrap = "翻譯下列內容:\n\n#####%s#####"
)

// Snapshot 流式回答的一次快照. Text 为到目前为止累积的完整回答,
// 消费方只需渲染最新一个. 末尾快照可能带上 TransportFailure
type Snapshot struct {
	Text string
	Err  error
}

// Client 针对单个模型部署的适配器, 无会话状态, 可被多个用户会话共享
type Client struct {
	mc aigc.ModelConfig
	oc *openai.Client
	hc *http.Client // 视觉扩展与图像下载用
	sc *http.Client // 流式 runs 调用用, 不设总超时

	translateMark string
}

// NewClient ...
func NewClient(mc aigc.ModelConfig, translateMark string) *Client {
	occ := openai.DefaultAzureConfig(mc.Key, strings.TrimSuffix(mc.Endpoint, "/"))
	if len(mc.APIVersion) > 0 {
		occ.APIVersion = mc.APIVersion
	}
	occ.AzureModelMapperFunc = func(model string) string {
		return mc.Deployment
	}
	occ.HTTPClient = &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
	}
	return &Client{
		mc: mc,
		oc: openai.NewClientWithConfig(occ),
		hc: &http.Client{
			Timeout:   auxTimeout,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		sc: &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		translateMark: translateMark,
	}
}

// Model ...
func (c *Client) Model() string { return c.mc.ModelName }

// UserMessage 把提问和附件图组装为一条用户消息.
// 当前系统消息含翻译标记时, 提问按固定的翻译指令包装
func UserMessage(system, question string, images []string, translateMark string) aigc.Message {
	if len(images) > 0 {
		parts := make(aigc.ContentParts, 0, len(images)+1)
		for _, img := range images {
			parts = append(parts, aigc.ContentPart{Type: aigc.PartImageURL, ImageURL: img})
		}
		parts = append(parts, aigc.ContentPart{Type: aigc.PartText, Text: question})
		return aigc.Message{Role: aigc.RoleUser, Parts: parts}
	}
	if len(translateMark) > 0 && strings.Contains(system, translateMark) {
		return aigc.Message{Role: aigc.RoleUser, Content: fmt.Sprintf(translateWrap, question)}
	}
	return aigc.Message{Role: aigc.RoleUser, Content: question}
}

func toChatMessages(ms aigc.Messages) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(ms))
	for _, m := range ms {
		cm := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if len(m.Parts) > 0 {
			cm.Content = ""
			for _, p := range m.Parts {
				switch p.Type {
				case aigc.PartImageURL:
					cm.MultiContent = append(cm.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL},
					})
				default:
					cm.MultiContent = append(cm.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: p.Text,
					})
				}
			}
		}
		out = append(out, cm)
	}
	return out
}

// Converse 发起一次流式对话. conv 为当前会话快照, userMsg 为本轮用户消息,
// 两者都不会被此方法修改; 成功与否由调用方决定如何落入会话.
// 每次调用都是新的流, 在 ctx 取消时停止
func (c *Client) Converse(ctx context.Context, conv aigc.Messages, userMsg aigc.Message, maxTokens int, user string) <-chan Snapshot {
	out := make(chan Snapshot, 1)
	messages := append(toChatMessages(conv), toChatMessages(aigc.Messages{userMsg})...)
	go func() {
		defer close(out)
		ccs, err := c.oc.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:     c.mc.Deployment,
			Messages:  messages,
			MaxTokens: maxTokens,
			Stream:    true,
			User:      user,
		})
		if err != nil {
			logger().Infow("call chat stream fail", "model", c.mc.ModelName, "err", err)
			emit(ctx, out, Snapshot{Err: transportFail("converse", err)})
			return
		}
		defer ccs.Close()

		var partial string
		for {
			ccsr, err := ccs.Recv()
			if errors.Is(err, io.EOF) {
				logger().Debugw("ccs recv eof", "len", len(partial))
				break
			}
			if err != nil {
				logger().Infow("ccs recv fail", "err", err)
				emit(ctx, out, Snapshot{Text: partial, Err: transportFail("converse", err)})
				return
			}
			if len(ccsr.Choices) > 0 && len(ccsr.Choices[0].Delta.Content) > 0 {
				partial += ccsr.Choices[0].Delta.Content
				if !emit(ctx, out, Snapshot{Text: partial}) {
					return
				}
			}
		}
		emit(ctx, out, Snapshot{Text: partial})
	}()
	return out
}

func emit(ctx context.Context, out chan<- Snapshot, s Snapshot) bool {
	select {
	case out <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

// visionRequest Azure chat extensions 调用体, go-openai 的请求结构
// 未覆盖 enhancements/dataSources 字段, 这里自行拼装
type visionRequest struct {
	Messages     []openai.ChatCompletionMessage `json:"messages"`
	MaxTokens    int                            `json:"max_tokens,omitempty"`
	Enhancements struct {
		OCR       enabled `json:"ocr"`
		Grounding enabled `json:"grounding"`
	} `json:"enhancements"`
	DataSources []dataSource `json:"dataSources,omitempty"`
	User        string       `json:"user,omitempty"`
}

type enabled struct {
	Enabled bool `json:"enabled"`
}

type dataSource struct {
	Type       string `json:"type"`
	Parameters struct {
		Endpoint string `json:"endpoint"`
		Key      string `json:"key"`
	} `json:"parameters"`
}

// ConverseVision 单次非流式的视觉对话, 启用 OCR 与 grounding 增强.
// 为接口一致仍以单快照的流形式返回
func (c *Client) ConverseVision(ctx context.Context, conv aigc.Messages, userMsg aigc.Message, maxTokens int, user string) <-chan Snapshot {
	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		vr := visionRequest{
			Messages:  append(toChatMessages(conv), toChatMessages(aigc.Messages{userMsg})...),
			MaxTokens: maxTokens,
			User:      user,
		}
		vr.Enhancements.OCR.Enabled = true
		vr.Enhancements.Grounding.Enabled = true
		if len(c.mc.CvEndpoint) > 0 {
			ds := dataSource{Type: "AzureComputerVision"}
			ds.Parameters.Endpoint = c.mc.CvEndpoint
			ds.Parameters.Key = c.mc.CvKey
			vr.DataSources = append(vr.DataSources, ds)
		}
		body, err := json.Marshal(&vr)
		if err != nil {
			emit(ctx, out, Snapshot{Err: transportFail("vision", err)})
			return
		}
		uri := fmt.Sprintf("%s/openai/deployments/%s/extensions/chat/completions?api-version=%s",
			strings.TrimSuffix(c.mc.Endpoint, "/"), c.mc.Deployment, c.mc.APIVersion)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
		if err != nil {
			emit(ctx, out, Snapshot{Err: transportFail("vision", err)})
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("api-key", c.mc.Key)

		resp, err := c.hc.Do(req)
		if err != nil {
			logger().Infow("vision call fail", "err", err)
			emit(ctx, out, Snapshot{Err: transportFail("vision", err)})
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			emit(ctx, out, Snapshot{Err: transportFail("vision",
				fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b)))})
			return
		}
		var ccr openai.ChatCompletionResponse
		if err = json.NewDecoder(resp.Body).Decode(&ccr); err != nil {
			emit(ctx, out, Snapshot{Err: transportFail("vision", err)})
			return
		}
		var answer string
		if len(ccr.Choices) > 0 {
			answer = ccr.Choices[0].Message.Content
		}
		emit(ctx, out, Snapshot{Text: answer})
	}()
	return out
}

// GenerateImage 生成一张图并取回其内容. 只调用一次, 不重试;
// 失败时由调用方把 err 文本作为 revised prompt 展示
func (c *Client) GenerateImage(ctx context.Context, prompt, size, style, quality, user string) (revised string, img []byte, err error) {
	res, err := c.oc.CreateImage(ctx, openai.ImageRequest{
		Model:          c.mc.Deployment,
		Prompt:         prompt,
		N:              1,
		Size:           size,
		Quality:        quality,
		Style:          style,
		ResponseFormat: openai.CreateImageResponseFormatURL,
		User:           user,
	})
	if err != nil {
		logger().Infow("image generation fail", "err", err)
		return "", nil, transportFail("image", err)
	}
	if len(res.Data) == 0 {
		return "", nil, transportFail("image", errors.New("empty image response"))
	}
	revised = res.Data[0].RevisedPrompt

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.Data[0].URL, nil)
	if err != nil {
		return "", nil, transportFail("image", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		logger().Infow("fetch image fail", "url", res.Data[0].URL, "err", err)
		return "", nil, transportFail("image", err)
	}
	defer resp.Body.Close()
	img, err = io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, transportFail("image", err)
	}
	return revised, img, nil
}
