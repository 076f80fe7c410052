package openspeech

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ================== 请求结构体 ==================

// appInfo 应用信息
type appInfo struct {
	AppID   string `json:"appid"`
	Cluster string `json:"cluster"`
	Token   string `json:"token"`
}

// userInfo 用户信息
type userInfo struct {
	UID string `json:"uid"`
}

// requestParams 识别请求参数
type requestParams struct {
	ReqID          string `json:"reqid"`
	NBest          int    `json:"nbest"`
	Workflow       string `json:"workflow"`
	ShowLanguage   bool   `json:"show_language"`
	ShowUtterances bool   `json:"show_utterances"`
	ResultType     string `json:"result_type"`
	Sequence       int    `json:"sequence"`
}

// audioParams 音频参数
type audioParams struct {
	Format   string `json:"format"`
	Rate     int    `json:"rate"`
	Language string `json:"language"`
	Bits     int    `json:"bits"`
	Channel  int    `json:"channel"`
	Codec    string `json:"codec"`
}

// requestEnvelope 初始握手请求体
type requestEnvelope struct {
	App     appInfo       `json:"app"`
	User    userInfo      `json:"user"`
	Request requestParams `json:"request"`
	Audio   audioParams   `json:"audio"`
}

// generateReqID 生成请求 ID
func generateReqID() string {
	return uuid.New().String()
}

// buildEnvelope 按配置构建握手请求体, reqid 每次连接重新生成
func (c *Config) buildEnvelope(reqID string) *requestEnvelope {
	return &requestEnvelope{
		App: appInfo{
			AppID:   c.AppID,
			Cluster: c.Cluster,
			Token:   c.Token,
		},
		User: userInfo{
			UID: c.UID,
		},
		Request: requestParams{
			ReqID:          reqID,
			NBest:          c.NBest,
			Workflow:       c.Workflow,
			ShowLanguage:   c.ShowLanguage,
			ShowUtterances: c.ShowUtterances,
			ResultType:     c.ResultType,
			Sequence:       1,
		},
		Audio: audioParams{
			Format:   "pcm",
			Rate:     c.Format.SampleRate,
			Language: c.Language,
			Bits:     c.Format.Bits,
			Channel:  c.Format.Channels,
			Codec:    "raw",
		},
	}
}

// buildHandshakeFrame 序列化 + 压缩 + 组帧握手请求
func (c *Config) buildHandshakeFrame(reqID string) ([]byte, error) {
	envelope := c.buildEnvelope(reqID)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, wrapError(err, "marshal envelope")
	}
	compressed, err := gzipCompress(payload)
	if err != nil {
		return nil, wrapError(err, "compress envelope")
	}
	return encodeFullClientRequest(compressed), nil
}
