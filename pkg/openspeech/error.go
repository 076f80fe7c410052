package openspeech

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame 帧头或长度声明与实际数据不一致
	ErrMalformedFrame = errors.New("openspeech: malformed frame")

	// ErrNotConnected 会话尚未建立连接
	ErrNotConnected = errors.New("openspeech: not connected")

	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("openspeech: session closed")

	// ErrStreamFinished 终止分片已发送, 音频流不可再写入
	ErrStreamFinished = errors.New("openspeech: audio stream already finished")

	// ErrMissingCredentials 缺少必要凭证 (appid/token/cluster)
	ErrMissingCredentials = errors.New("openspeech: missing credentials")

	// ErrTooManyReconnects 重连次数超过配置上限
	ErrTooManyReconnects = errors.New("openspeech: reconnect limit reached")
)

// 服务端业务状态码
const (
	CodeSuccess       = 1000 // 成功
	CodeInvalidParam  = 1001 // 请求参数无效
	CodeInvalidRate   = 1002 // 无效采样率
	CodeInvalidFormat = 1003 // 无效音频格式
	CodePacketTimeout = 1011 // 等待数据超时
	CodeServerBusy    = 1020 // 服务器繁忙
)

// Error 语音识别后端错误
type Error struct {
	// Code 业务错误码, 1000 为成功
	Code int `json:"code"`

	// Message 错误消息
	Message string `json:"message"`

	// ReqID 请求 ID
	ReqID string `json:"reqid,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("openspeech: %s (code=%d, reqid=%s)", e.Message, e.Code, e.ReqID)
}

// Retryable 是否可通过重连恢复
func (e *Error) Retryable() bool {
	return e.Code == CodeServerBusy || e.Code == CodePacketTimeout
}

// AsError 尝试将 error 转换为 *Error
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// wrapError 包装错误
func wrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
