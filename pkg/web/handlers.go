package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jpillora/eventsource"
	"github.com/marcsv/go-binder/binder"
	"github.com/spf13/cast"

	"github.com/liut/nemain/pkg/models/aigc"
	"github.com/liut/nemain/pkg/services/chat"
	"github.com/liut/nemain/pkg/services/stores"
	"github.com/liut/nemain/pkg/settings"
)

const esDone = "[DONE]"

// ChatRequest 一次提问
type ChatRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	System      string   `json:"system,omitempty"`      // 本轮生效的系统消息, 空则沿用
	MaxTokens   any      `json:"max_tokens,omitempty"`  // 数字或数字字符串
	Attachments []string `json:"attachments,omitempty"` // data:image/...;base64 图片
}

// ChatMessage SSE 推送的一帧: 到目前为止的完整回答
type ChatMessage struct {
	Model        string `json:"model,omitempty"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

func (s *server) sessionOf(r *http.Request) (*stores.Session, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		return nil, false
	}
	return s.sto.Sessions().GetOrCreate(user.GetName()), true
}

// ModelView 不含密钥的模型清单项
type ModelView struct {
	ModelName      string `json:"model_name"`
	ModelInfo      string `json:"model_info,omitempty"`
	DeploymentInfo string `json:"deployment_info,omitempty"`
}

func (s *server) getModels(w http.ResponseWriter, r *http.Request) {
	mcs := s.sto.Models()
	out := make([]ModelView, len(mcs))
	for i, mc := range mcs {
		out[i] = ModelView{
			ModelName:      mc.ModelName,
			ModelInfo:      mc.ModelInfo,
			DeploymentInfo: mc.DeploymentInfo,
		}
	}
	apiOk(w, r, out, len(out))
}

func (s *server) getWelcome(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	apiOk(w, r, M{
		"message": "Welcome " + sess.Name(),
		"system":  sess.Catalog().Default(),
	})
}

func (s *server) postChat(w http.ResponseWriter, r *http.Request) {
	s.serveConverse(w, r, false)
}

func (s *server) postVision(w http.ResponseWriter, r *http.Request) {
	s.serveConverse(w, r, true)
}

func (s *server) serveConverse(w http.ResponseWriter, r *http.Request, vision bool) {
	var param ChatRequest
	if err := binder.BindBody(r, &param); err != nil {
		apiFail(w, r, 400, err)
		return
	}
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	client, ok := sess.Client(param.Model)
	if !ok {
		apiFail(w, r, 404, stores.ErrNoModel)
		return
	}
	if len(param.System) > 0 {
		sess.SetSystem(param.Model, param.System)
	}
	maxTokens := cast.ToInt(param.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = sess.MaxTokens()
	}
	conv := sess.Conversation(param.Model)
	userMsg := chat.UserMessage(conv.SystemText(), param.Prompt, param.Attachments,
		settings.Current.TranslateMark)

	logger().Infow("chat", "user", sess.Name(), "model", param.Model,
		"msgs", len(conv), "vision", vision, "ip", r.RemoteAddr)

	sctx, cancel := sess.StartStream(r.Context(), param.Model)
	defer sess.EndStream(param.Model, cancel)

	var snaps <-chan chat.Snapshot
	if vision {
		snaps = client.ConverseVision(sctx, conv, userMsg, maxTokens, sess.Name())
	} else {
		snaps = client.Converse(sctx, conv, userMsg, maxTokens, sess.Name())
	}

	answer, clean := s.streamSnapshots(w, param.Model, snaps)
	if clean && len(answer) > 0 {
		sess.Commit(param.Model, userMsg, answer)
		if err := s.sto.Sessions().RecordExchange(r.Context(), sess.Name(), param.Model, param.Prompt, answer); err != nil {
			logger().Infow("record exchange fail", "err", err)
		}
	}
}

// streamSnapshots 把快照流按 SSE 推给浏览器.
// 传输故障降级为对话内的诊断文本, 此时返回 clean=false, 调用方不落会话
func (s *server) streamSnapshots(w http.ResponseWriter, model string, snaps <-chan chat.Snapshot) (answer string, clean bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Type", "text/event-stream")

	clean = true
	var idx int
	cm := ChatMessage{Model: model}
	for snap := range snaps {
		idx++
		cm.Text = snap.Text
		answer = snap.Text
		if snap.Err != nil {
			// 诊断文本接在已有输出之后, 呈现为流的一部分
			clean = false
			if len(cm.Text) > 0 {
				cm.Text += "\n"
			}
			cm.Text += snap.Err.Error()
			cm.FinishReason = "error"
			_ = writeEvent(w, strconv.Itoa(idx), &cm)
			flusher.Flush()
			break
		}
		if !writeEvent(w, strconv.Itoa(idx), &cm) {
			clean = false
			break
		}
		flusher.Flush()
	}
	_ = writeEvent(w, strconv.Itoa(idx+1), esDone)
	flusher.Flush()
	return
}

// writeEvent write and auto flush
func writeEvent(w io.Writer, id string, m any) bool {
	var b []byte
	var err error
	if s, ok := m.(string); ok {
		b = []byte(s)
	} else {
		b, err = json.Marshal(m)
		if err != nil {
			logger().Infow("json marshal fail", "m", m, "err", err)
			return false
		}
	}

	if err = eventsource.WriteEvent(w, eventsource.Event{
		ID:   id,
		Data: b,
	}); err != nil {
		logger().Infow("eventsource write fail", "err", err)
		return false
	}

	return true
}

// ImageRequest 生成一张图
type ImageRequest struct {
	Prompt  string `json:"prompt"`
	Size    string `json:"size"`
	Style   string `json:"style"`
	Quality string `json:"quality"`
	Model   string `json:"model,omitempty"`
}

func (s *server) postImage(w http.ResponseWriter, r *http.Request) {
	var param ImageRequest
	if err := binder.BindBody(r, &param); err != nil {
		apiFail(w, r, 400, err)
		return
	}
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	model := param.Model
	if len(model) == 0 {
		model = "Dall-E-3"
	}
	client, ok := sess.Client(model)
	if !ok {
		apiFail(w, r, 404, stores.ErrNoModel)
		return
	}

	revised, img, err := client.GenerateImage(r.Context(), param.Prompt,
		param.Size, param.Style, param.Quality, sess.Name())
	if err != nil {
		// 失败作为数据返回: 错误文本占据 revised 栏位, 无图
		apiOk(w, r, M{"revised": err.Error(), "file": nil})
		return
	}

	name := fmt.Sprintf("dalle-%d.png", time.Now().UnixNano())
	path := filepath.Join(settings.Current.FilesDir, name)
	if err = os.WriteFile(path, img, 0o644); err != nil {
		logger().Infow("save image fail", "path", path, "err", err)
		apiOk(w, r, M{"revised": err.Error(), "file": nil})
		return
	}
	gi := aigc.GeneratedImage{
		Prompt:  param.Prompt,
		Revised: revised,
		File:    "/files/" + name,
		Time:    time.Now().Unix(),
	}
	sess.AddImage(gi)
	apiOk(w, r, gi)
}

func (s *server) getImages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	data := sess.Images()
	apiOk(w, r, data, len(data))
}

// AssistantRequest code-interpreter 模式的一次运行
type AssistantRequest struct {
	Model   string   `json:"model,omitempty"`
	Prompt  string   `json:"prompt"`
	FileIDs []string `json:"file_ids,omitempty"`
	System  string   `json:"system,omitempty"`
}

func (s *server) postAssistant(w http.ResponseWriter, r *http.Request) {
	var param AssistantRequest
	if err := binder.BindBody(r, &param); err != nil {
		apiFail(w, r, 400, err)
		return
	}
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	model := param.Model
	if len(model) == 0 {
		model = aigc.CatalogAssistant
	}
	asst, err := sess.Assistant(r.Context(), model)
	if err != nil {
		apiFail(w, r, 502, err)
		return
	}
	instructions := param.System
	if len(instructions) == 0 {
		instructions = sess.Catalog()[aigc.CatalogAssistant]
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	sctx, cancel := sess.StartStream(r.Context(), model)
	defer sess.EndStream(model, cancel)

	events, err := asst.StreamRun(sctx, param.Prompt, param.FileIDs, instructions)
	if err != nil {
		apiFail(w, r, 502, err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Type", "text/event-stream")

	logger().Infow("assistant run", "user", sess.Name(), "files", len(param.FileIDs))

	var idx int
	var response string
	var clean = true
	cm := ChatMessage{Model: model}
	for ev := range chat.Normalize(sctx, events) {
		idx++
		switch ev.Kind {
		case aigc.EventToolCallStarted:
			response += chat.MarkCodeOpen
		case aigc.EventTextDelta:
			response += ev.Text
		case aigc.EventFileReady:
			path, ferr := s.persistOutput(r, asst, ev.FileID, ev.FileKind)
			if ferr != nil {
				logger().Infow("persist output fail", "file", ev.FileID, "err", ferr)
				continue
			}
			sess.PushDownload(path)
			// 文件输出后把未闭合的代码栏补上
			if strings.HasSuffix(response, "```") {
				response += "\n\n"
			} else {
				response += "\n```\n\n"
			}
		case aigc.EventError:
			clean = false
			if len(response) > 0 {
				response += "\n"
			}
			response += ev.Message
			cm.FinishReason = "error"
		}
		cm.Text = response
		if !writeEvent(w, strconv.Itoa(idx), &cm) {
			clean = false
			break
		}
		flusher.Flush()
	}
	_ = writeEvent(w, strconv.Itoa(idx+1), esDone)
	flusher.Flush()

	if clean && len(response) > 0 {
		sess.Commit(model, aigc.Message{Role: aigc.RoleUser, Content: param.Prompt}, response)
		if err = s.sto.Sessions().RecordExchange(r.Context(), sess.Name(), model, param.Prompt, response); err != nil {
			logger().Infow("record exchange fail", "err", err)
		}
	}
}

// persistOutput 取回运行产出的文件, 以 <file_id>.<ext> 落盘:
// 图像为 png, 其余沿用远端原始文件名的扩展名
func (s *server) persistOutput(r *http.Request, asst *chat.Assistant, fileID, kind string) (string, error) {
	ext := ".png"
	if kind != "image" {
		if orig, err := asst.FileName(r.Context(), fileID); err == nil {
			ext = filepath.Ext(orig)
		}
		if len(ext) == 0 || ext == "." {
			ext = "." + kind
		}
	}
	rc, err := asst.FetchFile(r.Context(), fileID)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	path := filepath.Join(settings.Current.FilesDir, fileID+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err = io.Copy(f, rc); err != nil {
		return "", err
	}
	return path, nil
}

func (s *server) postAssistantUpload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	f, fh, err := r.FormFile("file")
	if err != nil {
		apiFail(w, r, 400, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		apiFail(w, r, 400, err)
		return
	}
	asst, err := sess.Assistant(r.Context(), aigc.CatalogAssistant)
	if err != nil {
		apiFail(w, r, 502, err)
		return
	}
	fileID, err := asst.UploadFile(r.Context(), fh.Filename, data)
	if err != nil {
		apiFail(w, r, 502, err)
		return
	}
	apiOk(w, r, M{"file_id": fileID})
}

func (s *server) getDownload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	path, ok := sess.TakeDownload()
	if !ok {
		apiFail(w, r, 404, "no files were found to be downloaded")
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *server) getPresets(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	data := catalogEntries(sess.Catalog())
	apiOk(w, r, data, len(data))
}

// catalogEntries 稳定排序, default 恒在首位
func catalogEntries(c aigc.Catalog) []aigc.Entry {
	names := make([]string, 0, len(c))
	for name := range c {
		if name != aigc.CatalogDefault {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := c[aigc.CatalogDefault]; ok {
		names = append([]string{aigc.CatalogDefault}, names...)
	}
	out := make([]aigc.Entry, len(names))
	for i, name := range names {
		out[i] = aigc.Entry{Name: name, Text: c[name]}
	}
	return out
}

type presetReq struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

func (s *server) postPreset(w http.ResponseWriter, r *http.Request) {
	var param presetReq
	if err := binder.BindBody(r, &param); err != nil {
		apiFail(w, r, 400, err)
		return
	}
	if len(param.Name) == 0 {
		apiFail(w, r, 400, "name is required")
		return
	}
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	catalog, err := s.sto.Sessions().SaveSystemMessage(sess.Name(), param.Name, param.Text)
	if err != nil {
		apiFail(w, r, 500, err)
		return
	}
	apiOk(w, r, catalogEntries(catalog))
}

func (s *server) deletePreset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	catalog, err := s.sto.Sessions().DeleteSystemMessage(sess.Name(), name)
	if err != nil {
		status := 500
		switch err {
		case stores.ErrDefaultLocked:
			status = 400
		case stores.ErrPresetNotFound, stores.ErrNoCatalog:
			status = 404
		}
		apiFail(w, r, status, err)
		return
	}
	apiOk(w, r, catalogEntries(catalog))
}

func (s *server) getHistory(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	data, err := s.sto.Sessions().History(sess.Name(), model).List(r.Context())
	if err != nil {
		apiFail(w, r, 500, err)
		return
	}
	apiOk(w, r, data, len(data))
}

type resetReq struct {
	Model string `json:"model"`
}

func (s *server) postReset(w http.ResponseWriter, r *http.Request) {
	var param resetReq
	if err := binder.BindBody(r, &param); err != nil {
		apiFail(w, r, 400, err)
		return
	}
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	if err := s.sto.Sessions().Reset(r.Context(), sess.Name(), param.Model); err != nil {
		status := 500
		if err == stores.ErrNoModel {
			status = 404
		}
		apiFail(w, r, status, err)
		return
	}
	apiOk(w, r, nil)
}

type tokensReq struct {
	Value any `json:"value"`
}

func (s *server) postMaxTokens(w http.ResponseWriter, r *http.Request) {
	var param tokensReq
	if err := binder.BindBody(r, &param); err != nil {
		apiFail(w, r, 400, err)
		return
	}
	sess, ok := s.sessionOf(r)
	if !ok {
		apiFail(w, r, 401, "not login")
		return
	}
	n := cast.ToInt(param.Value)
	if n <= 0 {
		apiFail(w, r, 400, "invalid value")
		return
	}
	sess.SetMaxTokens(n)
	apiOk(w, r, M{"max_tokens": n})
}
