package stores

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liut/nemain/pkg/models/aigc"
)

func testModels() aigc.ModelConfigs {
	return aigc.ModelConfigs{
		{ModelName: "GPT-3.5 Turbo", Deployment: "gpt-35-turbo", Endpoint: "https://x", Key: "k"},
		{ModelName: "Dall-E-3", Deployment: "dall-e-3", Endpoint: "https://x", Key: "k"},
		{ModelName: aigc.CatalogAssistant, Deployment: "gpt-35-turbo", Endpoint: "https://x", Key: "k"},
	}
}

func testSessions(t *testing.T) *Sessions {
	t.Helper()
	path := filepath.Join(t.TempDir(), "user_config.json")
	require.NoError(t, os.WriteFile(path, []byte(userConfigJSON), 0o644))
	uc, err := LoadUserConfig(path)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewSessions(testModels(), uc, rc)
}

func TestGetOrCreateSeeds(t *testing.T) {
	ss := testSessions(t)
	s := ss.GetOrCreate("alice")
	require.NotNil(t, s)
	assert.Same(t, s, ss.GetOrCreate("alice"))

	for _, model := range testModels().Names() {
		conv := s.Conversation(model)
		require.Len(t, conv, 1)
		assert.Equal(t, aigc.RoleSystem, conv[0].Role)
		assert.Equal(t, "alice 的默认", conv[0].Content)

		_, ok := s.Client(model)
		assert.True(t, ok)
	}
}

func TestGetOrCreateFallbackCatalog(t *testing.T) {
	ss := testSessions(t)
	// bob 无专属目录, 落到共享目录 (保留用户 nick)
	s := ss.GetOrCreate("bob")
	conv := s.Conversation("GPT-3.5 Turbo")
	require.Len(t, conv, 1)
	assert.Equal(t, "共享默认系统消息", conv[0].Content)
}

func TestCommitKeepsInvariant(t *testing.T) {
	ss := testSessions(t)
	s := ss.GetOrCreate("alice")
	const model = "GPT-3.5 Turbo"

	for i, qa := range [][2]string{{"你好", "你好!"}, {"再见", "再见!"}} {
		s.Commit(model, aigc.Message{Role: aigc.RoleUser, Content: qa[0]}, qa[1])
		conv := s.Conversation(model)
		assert.Len(t, conv, 1+2*(i+1))
		assert.Equal(t, aigc.RoleSystem, conv[0].Role)
		assert.Equal(t, i+1, conv.Exchanges())
	}

	// 提交前取得的快照不受后续提交影响
	snap := s.Conversation(model)
	s.Commit(model, aigc.Message{Role: aigc.RoleUser, Content: "三"}, "三!")
	assert.Len(t, snap, 5)
	assert.Len(t, s.Conversation(model), 7)
}

func TestResetRestores(t *testing.T) {
	ss := testSessions(t)
	s := ss.GetOrCreate("alice")
	const model = "GPT-3.5 Turbo"
	ctx := context.Background()

	s.SetSystem(model, "臨時系統消息")
	s.Commit(model, aigc.Message{Role: aigc.RoleUser, Content: "你好"}, "你好!")
	require.NoError(t, ss.RecordExchange(ctx, "alice", model, "你好", "你好!"))

	data, err := ss.History("alice", model).List(ctx)
	require.NoError(t, err)
	require.Len(t, data, 1)

	require.NoError(t, ss.Reset(ctx, "alice", model))

	conv := s.Conversation(model)
	require.Len(t, conv, 1)
	assert.Equal(t, aigc.RoleSystem, conv[0].Role)
	assert.Equal(t, "臨時系統消息", conv[0].Content)

	data, err = ss.History("alice", model).List(ctx)
	require.NoError(t, err)
	assert.Empty(t, data)

	assert.ErrorIs(t, ss.Reset(ctx, "alice", "absent"), ErrNoModel)
}

func TestHistoryRoundTrip(t *testing.T) {
	ss := testSessions(t)
	ctx := context.Background()

	require.NoError(t, ss.RecordExchange(ctx, "alice", "GPT-3.5 Turbo", "q1", "a1"))
	require.NoError(t, ss.RecordExchange(ctx, "alice", "GPT-3.5 Turbo", "q2", "a2"))
	// 其他 (用户, 模型) 分片互不可见
	require.NoError(t, ss.RecordExchange(ctx, "nick", "GPT-3.5 Turbo", "qx", "ax"))

	data, err := ss.History("alice", "GPT-3.5 Turbo").List(ctx)
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, "q1", data[0].ChatItem.User)
	assert.Equal(t, "a2", data[1].ChatItem.Assistant)

	data, err = ss.History("alice", "Dall-E-3").List(ctx)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestDownloadQueue(t *testing.T) {
	ss := testSessions(t)
	s := ss.GetOrCreate("alice")

	_, ok := s.TakeDownload()
	assert.False(t, ok)

	s.PushDownload("files/a.png")
	s.PushDownload("files/b.csv")

	path, ok := s.TakeDownload()
	require.True(t, ok)
	assert.Equal(t, "files/a.png", path)

	path, ok = s.TakeDownload()
	require.True(t, ok)
	assert.Equal(t, "files/b.csv", path)

	// 没有新的产出时再次请求不会拿到旧文件
	_, ok = s.TakeDownload()
	assert.False(t, ok)
}

func TestStartStreamCancelsPrior(t *testing.T) {
	ss := testSessions(t)
	s := ss.GetOrCreate("alice")
	const model = "GPT-3.5 Turbo"

	ctx1, cancel1 := s.StartStream(context.Background(), model)
	select {
	case <-ctx1.Done():
		t.Fatal("first stream cancelled too early")
	default:
	}

	ctx2, cancel2 := s.StartStream(context.Background(), model)
	<-ctx1.Done() // 同分片的新提问先取消在途任务
	select {
	case <-ctx2.Done():
		t.Fatal("second stream should stay alive")
	default:
	}

	// 不同模型分片互不影响
	ctx3, cancel3 := s.StartStream(context.Background(), "Dall-E-3")
	select {
	case <-ctx2.Done():
		t.Fatal("other model must not cancel this one")
	default:
	}

	s.EndStream(model, cancel2)
	s.EndStream("Dall-E-3", cancel3)
	_ = cancel1
	<-ctx3.Done()
}

func TestResetCancelsInflight(t *testing.T) {
	ss := testSessions(t)
	s := ss.GetOrCreate("alice")
	const model = "GPT-3.5 Turbo"

	ctx, cancel := s.StartStream(context.Background(), model)
	defer cancel()

	require.NoError(t, ss.Reset(context.Background(), "alice", model))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("reset left the in-flight stream running")
	}
}

func TestAssistantCreateNotBlockSession(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/assistants") {
			close(started)
			<-release
			fmt.Fprint(w, `{"id":"asst-1"}`)
			return
		}
		fmt.Fprint(w, `{"id":"th-1"}`)
	}))
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "user_config.json")
	require.NoError(t, os.WriteFile(path, []byte(userConfigJSON), 0o644))
	uc, err := LoadUserConfig(path)
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ss := NewSessions(aigc.ModelConfigs{
		{ModelName: aigc.CatalogAssistant, Deployment: "gpt-35-turbo", Endpoint: ts.URL, Key: "k"},
	}, uc, rc)
	s := ss.GetOrCreate("alice")

	errc := make(chan error, 1)
	go func() {
		_, aerr := s.Assistant(context.Background(), aigc.CatalogAssistant)
		errc <- aerr
	}()
	<-started

	// 助理创建挂在远端时, 该用户的其他操作不受影响
	done := make(chan struct{})
	go func() {
		s.Conversation(aigc.CatalogAssistant)
		s.Catalog()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session blocked while assistant creation pending")
	}

	close(release)
	require.NoError(t, <-errc)
}

func TestSaveDeleteSystemMessageRefreshesSession(t *testing.T) {
	ss := testSessions(t)
	s := ss.GetOrCreate("alice")

	catalog, err := ss.SaveSystemMessage("alice", "poet", "你是一位詩人")
	require.NoError(t, err)
	assert.Equal(t, "你是一位詩人", catalog["poet"])
	assert.Equal(t, "你是一位詩人", s.Catalog()["poet"])

	_, err = ss.DeleteSystemMessage("alice", aigc.CatalogDefault)
	assert.ErrorIs(t, err, ErrDefaultLocked)

	catalog, err = ss.DeleteSystemMessage("alice", "poet")
	require.NoError(t, err)
	_, ok := catalog["poet"]
	assert.False(t, ok)
	_, ok = s.Catalog()["poet"]
	assert.False(t, ok)
}

func TestMaxTokens(t *testing.T) {
	ss := testSessions(t)
	s := ss.GetOrCreate("alice")
	assert.Greater(t, s.MaxTokens(), 0) // 默认值

	s.SetMaxTokens(800)
	assert.Equal(t, 800, s.MaxTokens())
}

func TestImageRing(t *testing.T) {
	ss := testSessions(t)
	s := ss.GetOrCreate("alice")
	for i := 0; i < 12; i++ {
		s.AddImage(aigc.GeneratedImage{Prompt: "p", Time: int64(i)})
	}
	imgs := s.Images()
	require.Len(t, imgs, 10)
	assert.Equal(t, int64(2), imgs[0].Time)
	assert.Equal(t, int64(11), imgs[9].Time)
}
