package chat

import "fmt"

// TransportFailure 远端调用失败: 鉴权, 网络, 限流等一律归入此类.
// 调用方决定如何呈现, 客户端自身不负责把错误伪装成模型输出.
type TransportFailure struct {
	Op  string // converse, vision, image, assistant
	Err error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("error occurred: %s: %s", e.Op, e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

func transportFail(op string, err error) *TransportFailure {
	return &TransportFailure{Op: op, Err: err}
}
