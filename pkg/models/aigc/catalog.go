package aigc

// catalog keys
const (
	CatalogDefault   = "default"
	CatalogAssistant = "Assistants"
)

// Catalog 用户的命名系统消息目录: 名称→文本
type Catalog map[string]string

// Clone ...
func (c Catalog) Clone() Catalog {
	out := make(Catalog, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Default 默认系统消息
func (c Catalog) Default() string {
	return c[CatalogDefault]
}

// Entry 目录中的一项, 用于有序展示
type Entry struct {
	Name string `json:"name"`
	Text string `json:"text"`
}
