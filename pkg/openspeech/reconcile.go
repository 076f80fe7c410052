package openspeech

import (
	"encoding/json"
)

// asrResponse 识别响应负载
//
// result 字段两态: 单对象为中间假设, 数组为定稿结果 (可含分句明细).
type asrResponse struct {
	ReqID    string          `json:"reqid"`
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Sequence int32           `json:"sequence"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// resultEntry result 数组的一项或单对象形态
type resultEntry struct {
	Text       string      `json:"text"`
	Utterances []utterance `json:"utterances,omitempty"`
}

// utterance 一条定稿分句
type utterance struct {
	Text      string `json:"text"`
	Definite  bool   `json:"definite"`
	StartTime int    `json:"start_time,omitempty"`
	EndTime   int    `json:"end_time,omitempty"`
}

// parseASRResponse 解析 full response 的 JSON 负载
func parseASRResponse(payload []byte) (*asrResponse, error) {
	var resp asrResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, wrapError(err, "unmarshal response")
	}
	return &resp, nil
}

// hasResult 是否携带识别结果 (空结果的响应直接忽略)
func (r *asrResponse) hasResult() bool {
	return len(r.Result) > 0 && string(r.Result) != "null"
}

// reconciler 转写结果去重器
//
// 服务端会在每帧响应里重复未变化的中间假设, 这里只放行与上一次
// 放行文本不同的非空结果. lastText 跨重连保留, 只由接收路径写入.
type reconciler struct {
	lastText string
}

// apply 从响应中提取转写事件, 过滤重复与空文本
//
// 提取规则: result 为数组取首个元素; 元素携带 utterances 则逐条取
// text/definite; 无 utterances 的数组元素视为定稿; 单对象视为中间
// 假设 (is_final=false).
func (r *reconciler) apply(resp *asrResponse, streamID int64) []Transcript {
	if !resp.hasResult() {
		return nil
	}

	var out []Transcript
	emit := func(text string, isFinal bool) {
		if text == "" || text == r.lastText {
			return
		}
		r.lastText = text
		out = append(out, Transcript{
			Text:         text,
			IsFinal:      isFinal,
			StreamID:     streamID,
			EndOfSegment: isFinal,
		})
	}

	var entries []resultEntry
	if err := json.Unmarshal(resp.Result, &entries); err == nil {
		if len(entries) == 0 {
			return nil
		}
		first := entries[0]
		if len(first.Utterances) > 0 {
			for _, u := range first.Utterances {
				emit(u.Text, u.Definite)
			}
		} else {
			emit(first.Text, true)
		}
		return out
	}

	// 单对象: 中间假设
	var single resultEntry
	if err := json.Unmarshal(resp.Result, &single); err != nil {
		return nil
	}
	emit(single.Text, false)
	return out
}
