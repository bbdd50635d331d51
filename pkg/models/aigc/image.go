package aigc

// GeneratedImage 图像页签生成的一张图, 按生成顺序保留最近若干张
type GeneratedImage struct {
	Prompt  string `json:"prompt"`
	Revised string `json:"revised"`
	File    string `json:"file"`
	Time    int64  `json:"time"`
}
