package stores

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/liut/nemain/pkg/models/aigc"
)

var (
	ErrNoCatalog      = errors.New("no catalog for user")
	ErrDefaultLocked  = errors.New("the default system message cannot be deleted")
	ErrPresetNotFound = errors.New("system message not found")
)

// LoadModelConfigs 读取模型定义文件, JSON 数组, 顺序即页签顺序
func LoadModelConfigs(path string) (aigc.ModelConfigs, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load model config: %w", err)
	}
	defer f.Close()
	var mcs aigc.ModelConfigs
	if err = json.NewDecoder(f).Decode(&mcs); err != nil {
		return nil, fmt.Errorf("decode model config: %w", err)
	}
	return mcs, nil
}

// UserConfig 凭据与每用户系统消息目录, 对应一个两元素 JSON 数组文件:
// [ {username: password}, {username: {name: text}} ].
// 变更同步整写回文件, 采用临时文件加改名避免中途截断
type UserConfig struct {
	mu   sync.Mutex
	path string

	creds    map[string]string
	catalogs map[string]aigc.Catalog
}

// LoadUserConfig ...
func LoadUserConfig(path string) (*UserConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load user config: %w", err)
	}
	var arr []json.RawMessage
	if err = json.Unmarshal(b, &arr); err != nil {
		return nil, fmt.Errorf("decode user config: %w", err)
	}
	if len(arr) < 2 {
		return nil, fmt.Errorf("user config: want 2 elements, got %d", len(arr))
	}
	uc := &UserConfig{path: path}
	if err = json.Unmarshal(arr[0], &uc.creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if err = json.Unmarshal(arr[1], &uc.catalogs); err != nil {
		return nil, fmt.Errorf("decode catalogs: %w", err)
	}
	// null 元素能通过解码但留下 nil map, 之后写入会崩, 当作坏文件拒绝
	if uc.creds == nil {
		return nil, errors.New("user config: credentials missing")
	}
	if uc.catalogs == nil {
		return nil, errors.New("user config: catalogs missing")
	}
	return uc, nil
}

// Verify 校验用户名密码
func (uc *UserConfig) Verify(name, password string) bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	pw, ok := uc.creds[name]
	return ok && pw == password
}

// CatalogOf 用户的系统消息目录副本
func (uc *UserConfig) CatalogOf(name string) (aigc.Catalog, bool) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	c, ok := uc.catalogs[name]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// SavePreset 新增或覆盖一条系统消息并立即写回文件
func (uc *UserConfig) SavePreset(user, name, text string) (aigc.Catalog, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	c, ok := uc.catalogs[user]
	if !ok {
		c = make(aigc.Catalog)
		uc.catalogs[user] = c
	}
	c[name] = text
	if err := uc.save(); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// DeletePreset 删除一条系统消息并立即写回文件. "default" 受保护
func (uc *UserConfig) DeletePreset(user, name string) (aigc.Catalog, error) {
	if name == aigc.CatalogDefault {
		return nil, ErrDefaultLocked
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()
	c, ok := uc.catalogs[user]
	if !ok {
		return nil, ErrNoCatalog
	}
	if _, ok = c[name]; !ok {
		return nil, ErrPresetNotFound
	}
	delete(c, name)
	if err := uc.save(); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// save 持有 uc.mu 调用
func (uc *UserConfig) save() error {
	b, err := json.MarshalIndent([]any{uc.creds, uc.catalogs}, "", "    ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(uc.path), ".uc-*.json")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err = tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err = os.Rename(name, uc.path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
