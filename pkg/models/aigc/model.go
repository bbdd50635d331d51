package aigc

// ModelConfig 单个部署模型的定义, 启动时从 JSON 数组加载, 顺序即页签顺序
type ModelConfig struct {
	ModelName      string `json:"model_name"`
	Deployment     string `json:"deployment"`
	Endpoint       string `json:"endpoint"`
	Key            string `json:"key"`
	APIVersion     string `json:"api-version"`
	ModelInfo      string `json:"model_info,omitempty"`
	DeploymentInfo string `json:"deployment_info,omitempty"`

	// 视觉增强所用的 Azure Computer Vision 资源, 可选
	CvEndpoint string `json:"cv_endpoint,omitempty"`
	CvKey      string `json:"cv_key,omitempty"`
}

type ModelConfigs []ModelConfig

// Get 按名称取模型定义
func (mcs ModelConfigs) Get(name string) (*ModelConfig, bool) {
	for i := range mcs {
		if mcs[i].ModelName == name {
			return &mcs[i], true
		}
	}
	return nil, false
}

// Names 按配置顺序列出模型名
func (mcs ModelConfigs) Names() []string {
	out := make([]string, len(mcs))
	for i, mc := range mcs {
		out[i] = mc.ModelName
	}
	return out
}
