package openspeech

import (
	"log/slog"
	"time"

	"github.com/voxlink/streamasr/pkg/buffer"
	"github.com/voxlink/streamasr/pkg/pcm"
)

const (
	// DefaultWSURL 流式识别服务地址
	DefaultWSURL = "wss://openspeech.bytedance.com/api/v2/asr"

	// DefaultUID 默认用户标识
	DefaultUID = "streaming_asr_demo"

	// DefaultWorkflow 默认识别流水线
	DefaultWorkflow = "audio_in,resample,partition,vad,fe,decode,itn,nlu_punctuate"

	defaultSegmentDuration  = 100 * time.Millisecond
	defaultBatchInterval    = 20 * time.Millisecond
	defaultBatchMaxFrames   = 4
	defaultQueueCapacity    = 64
	defaultConnectTimeout   = 10 * time.Second
	defaultReconnectBackoff = 200 * time.Millisecond
	defaultReadLimit        = 1_000_000_000
)

// ChunkPolicy 音频分片策略
type ChunkPolicy string

const (
	// ChunkSlice 同步切片: 缓冲区每攒满一个分片立即发送, 延迟最低
	ChunkSlice ChunkPolicy = "slice"

	// ChunkBatch 定时批量: 入队后由独立任务按固定周期合并发送,
	// 平滑发送抖动并限制每秒出帧数
	ChunkBatch ChunkPolicy = "batch"
)

// Config 流式识别会话配置
type Config struct {
	// AppID 应用 ID (必填)
	AppID string `json:"appid" yaml:"appid"`

	// Token 访问令牌 (必填)
	Token string `json:"token" yaml:"token"`

	// Cluster 集群名称 (必填)
	Cluster string `json:"cluster" yaml:"cluster"`

	// WSURL 服务地址, 默认 DefaultWSURL
	WSURL string `json:"ws_url,omitempty" yaml:"ws_url,omitempty"`

	// UID 用户标识, 默认 DefaultUID
	UID string `json:"uid,omitempty" yaml:"uid,omitempty"`

	// Format 音频格式, 默认 16kHz 单声道 16bit
	Format pcm.Format `json:"format,omitempty" yaml:"format,omitempty"`

	// Language 识别语言, 默认 zh-CN
	Language string `json:"language,omitempty" yaml:"language,omitempty"`

	// NBest 候选结果数, 默认 1
	NBest int `json:"nbest,omitempty" yaml:"nbest,omitempty"`

	// Workflow 识别流水线, 默认 DefaultWorkflow
	Workflow string `json:"workflow,omitempty" yaml:"workflow,omitempty"`

	// ShowLanguage 返回语言标注
	ShowLanguage bool `json:"show_language,omitempty" yaml:"show_language,omitempty"`

	// ShowUtterances 返回分句明细 (含 definite 标志)
	ShowUtterances bool `json:"show_utterances,omitempty" yaml:"show_utterances,omitempty"`

	// ResultType 结果类型, 默认 full
	ResultType string `json:"result_type,omitempty" yaml:"result_type,omitempty"`

	// SegmentDuration 每个分片覆盖的音频时长, 默认 100ms
	SegmentDuration time.Duration `json:"segment_duration,omitempty" yaml:"segment_duration,omitempty"`

	// Policy 分片策略, 默认 ChunkSlice
	Policy ChunkPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`

	// QueueCapacity 批量策略下队列容量 (帧数), 默认 64
	QueueCapacity int `json:"queue_capacity,omitempty" yaml:"queue_capacity,omitempty"`

	// QueueOverflow 队列满时的处理策略, 默认丢弃最旧帧
	QueueOverflow buffer.OverflowPolicy `json:"queue_overflow,omitempty" yaml:"queue_overflow,omitempty"`

	// BatchInterval 批量策略下的发送周期, 默认 20ms
	BatchInterval time.Duration `json:"batch_interval,omitempty" yaml:"batch_interval,omitempty"`

	// BatchMaxFrames 每周期最多合并的帧数, 默认 4
	BatchMaxFrames int `json:"batch_max_frames,omitempty" yaml:"batch_max_frames,omitempty"`

	// AuthMethod 鉴权方式, 默认 AuthToken
	AuthMethod AuthMethod `json:"auth_method,omitempty" yaml:"auth_method,omitempty"`

	// Secret 签名鉴权密钥 (AuthSignature 时必填)
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`

	// ConnectTimeout 连接与握手超时, 默认 10s
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`

	// ReconnectBackoff 重连退避间隔, 默认 200ms
	ReconnectBackoff time.Duration `json:"reconnect_backoff,omitempty" yaml:"reconnect_backoff,omitempty"`

	// MaxReconnects 重连次数上限, 0 表示不限 (需外部监督)
	MaxReconnects int `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`

	// ReadLimit 单帧读取上限字节数, 默认 1GB (协议上近似无界)
	ReadLimit int64 `json:"read_limit,omitempty" yaml:"read_limit,omitempty"`

	// Logger 结构化日志, 默认 slog.Default()
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// withDefaults 返回补全默认值后的配置副本
func (c *Config) withDefaults() *Config {
	out := *c
	if out.WSURL == "" {
		out.WSURL = DefaultWSURL
	}
	if out.UID == "" {
		out.UID = DefaultUID
	}
	if out.Format == (pcm.Format{}) {
		out.Format = pcm.L16Mono16K
	}
	if out.Language == "" {
		out.Language = "zh-CN"
	}
	if out.NBest == 0 {
		out.NBest = 1
	}
	if out.Workflow == "" {
		out.Workflow = DefaultWorkflow
	}
	if out.ResultType == "" {
		out.ResultType = "full"
	}
	if out.SegmentDuration == 0 {
		out.SegmentDuration = defaultSegmentDuration
	}
	if out.Policy == "" {
		out.Policy = ChunkSlice
	}
	if out.QueueCapacity == 0 {
		out.QueueCapacity = defaultQueueCapacity
	}
	if out.BatchInterval == 0 {
		out.BatchInterval = defaultBatchInterval
	}
	if out.BatchMaxFrames == 0 {
		out.BatchMaxFrames = defaultBatchMaxFrames
	}
	if out.AuthMethod == "" {
		out.AuthMethod = AuthToken
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = defaultConnectTimeout
	}
	if out.ReconnectBackoff == 0 {
		out.ReconnectBackoff = defaultReconnectBackoff
	}
	if out.ReadLimit == 0 {
		out.ReadLimit = defaultReadLimit
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

// validate 校验必填项, 启动前失败一次性报告
func (c *Config) validate() error {
	if c.AppID == "" || c.Token == "" || c.Cluster == "" {
		return ErrMissingCredentials
	}
	if c.AuthMethod == AuthSignature && c.Secret == "" {
		return wrapError(ErrMissingCredentials, "signature auth requires secret")
	}
	return c.Format.Validate()
}

// AudioFrame 宿主投递的一段原始音频
//
// StreamID 对协议透明, 仅用于给转写事件打路由标签; 帧大小不限,
// 可大于或小于协议分片.
type AudioFrame struct {
	Data        []byte
	StreamID    int64
	EndOfSpeech bool
}

// Transcript 一条转写事件
type Transcript struct {
	Text         string `json:"text"`
	IsFinal      bool   `json:"is_final"`
	StreamID     int64  `json:"stream_id"`
	EndOfSegment bool   `json:"end_of_segment"`
}

// EventType 会话事件类型
type EventType int

const (
	// EventConnected 连接建立且握手帧已发送
	EventConnected EventType = iota + 1

	// EventResult 新的转写结果
	EventResult

	// EventError 传输或后端错误 (会话随后自动重连)
	EventError

	// EventClosed 会话终止, 事件通道随后关闭
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event 带类型标签的会话事件
type Event struct {
	Type       EventType
	Transcript *Transcript // EventResult 时有效
	Err        error       // EventError 时有效
}

// SessionState 会话状态
type SessionState int32

const (
	StateIdle SessionState = iota
	StateConnecting
	StateActive
	StateReconnecting
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
