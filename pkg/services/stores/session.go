package stores

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/liut/nemain/pkg/models/aigc"
	"github.com/liut/nemain/pkg/services/chat"
	"github.com/liut/nemain/pkg/settings"
)

var (
	ErrNoModel = errors.New("no such model")
)

// Session 单个已登录用户的全部可变状态. 按 (用户, 模型) 分片,
// 同一分片的会话改动由 mu 串行化
type Session struct {
	name string

	mu        sync.Mutex
	catalog   aigc.Catalog
	convs     map[string]aigc.Messages
	clients   map[string]*chat.Client
	assistant *chat.Assistant
	maxTokens int
	downloads []string // 待下载文件队列, 先进先出
	images    []aigc.GeneratedImage
	inflight  map[string]context.CancelFunc
}

// Name ...
func (s *Session) Name() string { return s.name }

// Catalog 系统消息目录副本
func (s *Session) Catalog() aigc.Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog.Clone()
}

// Client 该模型的适配器
func (s *Session) Client(model string) (*chat.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[model]
	return c, ok
}

// Conversation 该模型会话的快照副本, 与后续提交互不干扰
func (s *Session) Conversation(model string) aigc.Messages {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.convs[model]
	out := make(aigc.Messages, len(conv))
	copy(out, conv)
	return out
}

// SetSystem 替换该模型会话的首条系统消息
func (s *Session) SetSystem(model, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[model]; ok {
		s.convs[model] = conv.WithSystem(text)
	}
}

// Commit 一轮问答完成后把用户消息与回答一并落入会话.
// 失败的轮次不调用此方法, 会话不会出现半写状态
func (s *Session) Commit(model string, userMsg aigc.Message, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[model]
	if !ok {
		return
	}
	s.convs[model] = append(conv, userMsg,
		aigc.Message{Role: aigc.RoleAssistant, Content: answer})
}

// MaxTokens ...
func (s *Session) MaxTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxTokens > 0 {
		return s.maxTokens
	}
	return settings.Current.MaxTokens
}

// SetMaxTokens ...
func (s *Session) SetMaxTokens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxTokens = n
}

// PushDownload 记录一个产出文件待下载. 多个产出排队, 不覆盖
func (s *Session) PushDownload(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads = append(s.downloads, path)
}

// TakeDownload 取走队首的待下载文件; 队列空时第二次请求得不到旧文件
func (s *Session) TakeDownload() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.downloads) == 0 {
		return "", false
	}
	path := s.downloads[0]
	s.downloads = s.downloads[1:]
	return path, true
}

// AddImage 记入生成图环, 超出容量时淘汰最旧的
func (s *Session) AddImage(gi aigc.GeneratedImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, gi)
	if ring := settings.Current.ImageRingSize; ring > 0 && len(s.images) > ring {
		s.images = s.images[len(s.images)-ring:]
	}
}

// Images 最近生成的图, 新的在后
func (s *Session) Images() []aigc.GeneratedImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]aigc.GeneratedImage, len(s.images))
	copy(out, s.images)
	return out
}

// StartStream 为 (用户, 模型) 开启一次新的流任务.
// 同一分片上一次仍在途的任务先被取消, 避免交错写入同一会话
func (s *Session) StartStream(ctx context.Context, model string) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.inflight[model]; ok {
		cancel()
	}
	sctx, cancel := context.WithCancel(ctx)
	s.inflight[model] = cancel
	return sctx, cancel
}

// EndStream ...
func (s *Session) EndStream(model string, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, model)
}

// Assistant 懒初始化远端助理与线程.
// 创建要走两次远端调用, 不在会话锁内进行, 以免拖住该用户的其他页签;
// 写回前重查, 并发创建时只留第一个
func (s *Session) Assistant(ctx context.Context, model string) (*chat.Assistant, error) {
	s.mu.Lock()
	if s.assistant != nil {
		a := s.assistant
		s.mu.Unlock()
		return a, nil
	}
	c, ok := s.clients[model]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoModel
	}

	a, err := c.EnsureAssistant(ctx, settings.Current.AssistantName)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assistant == nil {
		s.assistant = a
	}
	return s.assistant, nil
}

// Sessions 以用户名为键的会话注册表, 并发安全;
// 会话在首个经过鉴权的请求时建立, 存活到进程退出
type Sessions struct {
	mu  sync.RWMutex
	all map[string]*Session

	models aigc.ModelConfigs
	uc     *UserConfig
	rc     RedisClient
}

// NewSessions ...
func NewSessions(models aigc.ModelConfigs, uc *UserConfig, rc RedisClient) *Sessions {
	return &Sessions{
		all:    make(map[string]*Session),
		models: models,
		uc:     uc,
		rc:     rc,
	}
}

// GetOrCreate 取出或新建用户会话. 新会话每个模型一个适配器,
// 会话以该用户目录的 default 系统消息起头; 无专属目录时落到共享目录
func (ss *Sessions) GetOrCreate(name string) *Session {
	ss.mu.RLock()
	s, ok := ss.all[name]
	ss.mu.RUnlock()
	if ok {
		return s
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if s, ok = ss.all[name]; ok {
		return s
	}

	catalog, ok := ss.uc.CatalogOf(name)
	if !ok {
		catalog, _ = ss.uc.CatalogOf(settings.Current.ReservedUser)
		if catalog == nil {
			catalog = make(aigc.Catalog)
		}
	}
	s = &Session{
		name:     name,
		catalog:  catalog,
		convs:    make(map[string]aigc.Messages, len(ss.models)),
		clients:  make(map[string]*chat.Client, len(ss.models)),
		inflight: make(map[string]context.CancelFunc),
	}
	system := catalog.Default()
	for _, mc := range ss.models {
		s.convs[mc.ModelName] = aigc.NewConversation(system)
		s.clients[mc.ModelName] = chat.NewClient(mc, settings.Current.TranslateMark)
	}
	ss.all[name] = s
	logger().Infow("session created", "user", name, "models", len(ss.models))
	return s
}

// History 该 (用户, 模型) 的回放记录句柄
func (ss *Sessions) History(name, model string) History {
	return NewHistory(ss.rc, name, model)
}

// Reset 会话回到仅剩系统消息的状态并清空回放记录;
// 助理模型还要丢弃并重建远端线程
func (ss *Sessions) Reset(ctx context.Context, name, model string) error {
	s := ss.GetOrCreate(name)
	if _, ok := ss.models.Get(model); !ok {
		return ErrNoModel
	}

	s.mu.Lock()
	// 先终止该分片在途的流任务, 再动会话与远端线程
	if cancel, ok := s.inflight[model]; ok {
		cancel()
		delete(s.inflight, model)
	}
	system := s.catalog.Default()
	if conv, ok := s.convs[model]; ok && len(conv) > 0 && conv[0].Role == aigc.RoleSystem {
		system = conv[0].Content
	}
	s.convs[model] = aigc.NewConversation(system)
	asst := s.assistant
	s.mu.Unlock()

	if model == aigc.CatalogAssistant && asst != nil {
		if err := asst.Reset(ctx); err != nil {
			return err
		}
	}
	return ss.History(name, model).Clear(ctx)
}

// SaveSystemMessage 增改一条系统消息, 同步写回配置文件并刷新在内存的目录
func (ss *Sessions) SaveSystemMessage(name, key, text string) (aigc.Catalog, error) {
	catalog, err := ss.uc.SavePreset(name, key, text)
	if err != nil {
		return nil, err
	}
	s := ss.GetOrCreate(name)
	s.mu.Lock()
	s.catalog = catalog.Clone()
	s.mu.Unlock()
	return catalog, nil
}

// DeleteSystemMessage 删除一条系统消息, 同步写回. default 受保护
func (ss *Sessions) DeleteSystemMessage(name, key string) (aigc.Catalog, error) {
	catalog, err := ss.uc.DeletePreset(name, key)
	if err != nil {
		return nil, err
	}
	s := ss.GetOrCreate(name)
	s.mu.Lock()
	s.catalog = catalog.Clone()
	s.mu.Unlock()
	return catalog, nil
}

// RecordExchange 一轮完成后追加回放记录
func (ss *Sessions) RecordExchange(ctx context.Context, name, model, user, assistant string) error {
	return ss.History(name, model).Add(ctx, &aigc.HistoryItem{
		Time:     time.Now().Unix(),
		ChatItem: &aigc.HistoryChatItem{User: user, Assistant: assistant},
	})
}
