package stores

import (
	"sync"

	"github.com/liut/nemain/pkg/models/aigc"
	"github.com/liut/nemain/pkg/settings"
)

// Storage 对上层暴露的存取入口
type Storage interface {
	Models() aigc.ModelConfigs
	Users() *UserConfig
	Sessions() *Sessions
}

// vars ...
var (
	_ Storage = (*Wrap)(nil)

	stoOnce sync.Once
	stoW    *Wrap
)

// Wrap implements Storage
type Wrap struct {
	models aigc.ModelConfigs
	uc     *UserConfig
	sess   *Sessions
}

// New return new instance of Wrap
func New(models aigc.ModelConfigs, uc *UserConfig, rc RedisClient) *Wrap {
	return &Wrap{
		models: models,
		uc:     uc,
		sess:   NewSessions(models, uc, rc),
	}
}

// Sgt start and return a singleton instance of Storage.
// 配置文件缺失或损坏时进程无法服务任何用户, 直接终止
func Sgt() *Wrap {
	stoOnce.Do(func() {
		models, err := LoadModelConfigs(settings.Current.ModelConfigFile)
		if err != nil {
			logger().Panicw("load model config fail", "file", settings.Current.ModelConfigFile, "err", err)
		}
		uc, err := LoadUserConfig(settings.Current.UserConfigFile)
		if err != nil {
			logger().Panicw("load user config fail", "file", settings.Current.UserConfigFile, "err", err)
		}
		stoW = New(models, uc, SgtRC())
	})
	return stoW
}

func (w *Wrap) Models() aigc.ModelConfigs { return w.models }
func (w *Wrap) Users() *UserConfig        { return w.uc }
func (w *Wrap) Sessions() *Sessions       { return w.sess }
