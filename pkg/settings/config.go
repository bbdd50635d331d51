package settings

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// consts
const (
	Name = "Nemain"
)

// Config ...
type Config struct {
	Name    string `ignored:"true"`
	Version string `ignored:"true"`

	HTTPListen   string   `envconfig:"HTTP_LISTEN" default:":5002"`
	RedisURI     string   `envconfig:"redis_uri" default:"redis://localhost:6379/2"`
	AllowOrigins []string `envconfig:"allow_origins" default:"*"` // CORS: 允许的 Origin 调用来源
	CookieName   string   `envconfig:"Cookie_Name" default:"nmtok"`
	CookiePath   string   `envconfig:"Cookie_Path" default:"/"`
	CookieDomain string   `envconfig:"Cookie_Domain"`
	CookieMaxAge int      `envconfig:"Cookie_MaxAge" default:"86400"`

	ModelConfigFile string `envconfig:"model_config_file" default:"model_config.json"`
	UserConfigFile  string `envconfig:"user_config_file" default:"user_config.json"`
	FilesDir        string `envconfig:"files_dir" default:"files"`

	// ReservedUser 持有共享的系统消息目录, 登录前使用
	ReservedUser string `envconfig:"reserved_user" default:"nick"`

	// TranslateMark 系统消息含此标记时, 用户输入按翻译指令包装后发送
	TranslateMark string `envconfig:"translate_mark" default:"翻譯"`

	MaxTokens      int    `envconfig:"max_tokens" default:"300"`
	AssistantName  string `envconfig:"assistant_name" default:"code interpreter"`
	HistoryMaxSize int    `envconfig:"history_max_size" default:"25"`
	ImageRingSize  int    `envconfig:"image_ring_size" default:"10"`
}

var (
	// Current 当前配置
	Current = new(Config)
)

func init() {
	if err := envconfig.Process(Name, Current); err != nil {
		log.Printf("envconfig process fail: %s", err)
	}

	Current.Name = Name
	Current.Version = version
}

// Usage 打印配置帮助
func Usage() error {
	log.Printf("ver: %s", Current.Version)
	return envconfig.Usage(Current.Name, Current)
}

// AllowAllOrigins ...
func AllowAllOrigins() bool {
	return 0 == len(Current.AllowOrigins) ||
		1 == len(Current.AllowOrigins) && Current.AllowOrigins[0] == "*"
}

// InDevelop ...
func InDevelop() bool {
	return version == "dev"
}
