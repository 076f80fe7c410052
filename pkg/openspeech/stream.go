package openspeech

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StreamSession 一条流式识别会话
//
// 状态机: Idle → Connecting → Active → (Reconnecting | Closing) → Closed.
// 生产者通过 WriteFrame 投递音频, 识别结果与连接事件经 Events 通道送出.
// 传输失败或后端错误触发退避重连, 每次重连生成新的 reqid.
//
// WriteFrame 假定由单一生产者顺序调用; Events 通道在会话关闭后关闭.
type StreamSession struct {
	cfg *Config
	log *slog.Logger

	events   chan Event
	failures chan error
	closed   chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
	state     atomic.Int32

	// mu 保护连接指针; 只有会话管理路径换绑连接
	mu       sync.Mutex
	conn     *wsConn
	reqID    string
	recvDone chan struct{}

	// audioMu 串行化音频出帧: 终止分片之后不得再有内部分片上线.
	// 终止分片发送失败时 pendingTail 保留尾部数据供重试.
	audioMu      sync.Mutex
	terminalSent bool
	tailFlushed  bool
	pendingTail  []byte

	// chunk 的缓冲只由生产者路径写入, 队列内部自带锁
	chunk chunker

	// streamID 来自最近一帧音频的元数据, 接收路径只读
	streamID atomic.Int64

	// lastSeq 最近一次 ack 的序号
	lastSeq atomic.Int32

	// rec 只由接收协程访问, 重连前后接收协程严格串行
	rec reconciler
}

// NewStreamSession 创建会话, 凭证缺失立即失败
func NewStreamSession(cfg *Config) (*StreamSession, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &StreamSession{
		cfg:      cfg,
		log:      cfg.Logger,
		events:   make(chan Event, 64),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
		chunk:    newChunker(cfg),
	}, nil
}

// Events 返回会话事件通道, 会话关闭后通道关闭
//
// 通道带缓冲; 收尾的 EventClosed 为尽力投递, 缓冲满时直接关闭通道.
// 消费者应以通道关闭 (而非 EventClosed) 作为最终终止信号.
func (s *StreamSession) Events() <-chan Event {
	return s.events
}

// State 返回当前会话状态
func (s *StreamSession) State() SessionState {
	return SessionState(s.state.Load())
}

// DroppedFrames 返回批量策略下因队列溢出被丢弃的帧数
func (s *StreamSession) DroppedFrames() uint64 {
	return s.chunk.dropped()
}

// Start 建立连接并发送握手帧, 随后启动接收与发送任务
//
// 首次连接失败直接返回错误; 进入 Active 后的失败由内部重连处理.
func (s *StreamSession) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return wrapError(ErrSessionClosed, "start from state "+s.State().String())
	}

	if err := s.connect(ctx); err != nil {
		s.state.Store(int32(StateIdle))
		return err
	}

	s.wg.Add(1)
	go s.supervise(ctx)

	if s.chunk.periodic() {
		s.wg.Add(1)
		go s.drainLoop()
	}
	return nil
}

// WriteFrame 投递一段音频
//
// 按分片策略缓冲或入队; end_of_speech 触发终止分片 (不足一个分片的
// 尾部也会被发送). 重连期间的音频按不在线处理返回 ErrNotConnected.
func (s *StreamSession) WriteFrame(frame AudioFrame) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	s.streamID.Store(frame.StreamID)

	s.audioMu.Lock()
	terminal := s.terminalSent
	s.audioMu.Unlock()
	if terminal {
		return ErrStreamFinished
	}
	if s.State() != StateActive {
		s.log.Warn("asr: dropping frame, session not active", "state", s.State().String())
		return ErrNotConnected
	}

	if len(frame.Data) > 0 {
		chunks, err := s.chunk.push(frame.Data)
		if err != nil {
			return wrapError(err, "buffer audio")
		}
		for _, chunk := range chunks {
			if err := s.sendChunk(chunk, false); err != nil {
				return err
			}
		}
	}

	if frame.EndOfSpeech {
		return s.finish()
	}
	return nil
}

// StreamBytes 把整段音频按协议分片发送并以终止分片收尾
func (s *StreamSession) StreamBytes(streamID int64, data []byte) error {
	return s.WriteFrame(AudioFrame{Data: data, StreamID: streamID, EndOfSpeech: true})
}

// Close 关闭会话
//
// 幂等, 任意状态可调用. 先停止接收与发送任务并等待其退出,
// 再释放连接, 保证关闭后没有任务触碰连接.
func (s *StreamSession) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.closed)

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.close()
		}

		s.wg.Wait()
		s.state.Store(int32(StateClosed))

		select {
		case s.events <- Event{Type: EventClosed}:
		default:
		}
		close(s.events)
	})
	return nil
}

// ================== 内部 ==================

// connect 一次完整的建联: 新 reqid → 组握手帧 → 计算鉴权头 → 拨号 →
// 发送握手帧 → 启动接收协程
//
// Close 与重连并发时不得发布新连接: 拨号前后都检查 closed,
// 关闭后拨成的连接就地释放.
func (s *StreamSession) connect(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	s.state.Store(int32(StateConnecting))

	reqID := generateReqID()
	handshake, err := s.cfg.buildHandshakeFrame(reqID)
	if err != nil {
		return err
	}
	headers, err := s.cfg.authHeaders(handshake)
	if err != nil {
		return err
	}

	conn, err := dialConn(ctx, s.cfg.WSURL, headers, s.cfg.ConnectTimeout, s.cfg.ReadLimit)
	if err != nil {
		return err
	}
	if err := conn.sendFrameTimeout(handshake, s.cfg.ConnectTimeout); err != nil {
		conn.close()
		return wrapError(err, "send handshake")
	}

	recvDone := make(chan struct{})
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		conn.close()
		return ErrSessionClosed
	default:
	}
	s.conn = conn
	s.reqID = reqID
	s.recvDone = recvDone
	s.mu.Unlock()

	s.state.Store(int32(StateActive))
	s.log.Info("asr: connected", "reqid", reqID, "url", s.cfg.WSURL)
	s.emit(Event{Type: EventConnected})

	s.wg.Add(1)
	go s.recvLoop(conn, recvDone)
	return nil
}

// supervise 重连循环: 等待失败通知, 退避后以新 reqid 重建连接
func (s *StreamSession) supervise(ctx context.Context) {
	defer s.wg.Done()

	attempts := 0
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			go s.Close()
			return
		case err := <-s.failures:
			s.emit(Event{Type: EventError, Err: err})
			s.state.Store(int32(StateReconnecting))
			s.log.Warn("asr: connection lost, reconnecting", "error", err, "attempts", attempts+1)
			s.teardownConn()

			attempts++
			if s.cfg.MaxReconnects > 0 && attempts > s.cfg.MaxReconnects {
				s.emit(Event{Type: EventError, Err: ErrTooManyReconnects})
				go s.Close()
				return
			}

			select {
			case <-s.closed:
				return
			case <-ctx.Done():
				go s.Close()
				return
			case <-time.After(s.cfg.ReconnectBackoff):
			}

			if err := s.connect(ctx); err != nil {
				s.notifyFailure(nil, wrapError(err, "reconnect"))
				continue
			}
			attempts = 0
		}
	}
}

// teardownConn 关闭当前连接并等待其接收协程退出, 保证接收路径串行
func (s *StreamSession) teardownConn() {
	s.mu.Lock()
	conn := s.conn
	recvDone := s.recvDone
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	if recvDone != nil {
		<-recvDone
	}
}

// recvLoop 接收循环: 收帧 → 解码 → 解析 → 去重 → 事件分发
func (s *StreamSession) recvLoop(conn *wsConn, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	for {
		data, err := conn.receiveFrame()
		if err != nil {
			s.notifyFailure(conn, err)
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			// 本地解码失败不终止会话
			s.log.Warn("asr: dropping malformed frame", "error", err, "bytes", len(data))
			continue
		}

		switch f.MsgType {
		case msgTypeAck:
			// ack 只携带序号, 无转写内容
			s.lastSeq.Store(f.Seq)

		case msgTypeErrorResponse:
			berr := &Error{Code: int(f.Code), Message: f.text()}
			if resp, perr := parseASRResponse(f.Payload); perr == nil && resp.Message != "" {
				berr.Message = resp.Message
				berr.ReqID = resp.ReqID
			}
			s.notifyFailure(conn, berr)
			return

		case msgTypeFullResponse:
			if len(f.Payload) == 0 || f.Serialization != serializationJSON {
				continue
			}
			resp, err := parseASRResponse(f.Payload)
			if err != nil {
				s.log.Warn("asr: dropping unparsable response", "error", err)
				continue
			}
			if resp.Code != CodeSuccess {
				s.notifyFailure(conn, &Error{Code: resp.Code, Message: resp.Message, ReqID: resp.ReqID})
				return
			}
			// result 缺失: 静默或空确认, 忽略
			for _, t := range s.rec.apply(resp, s.streamID.Load()) {
				transcript := t
				s.emit(Event{Type: EventResult, Transcript: &transcript})
			}

		default:
			s.log.Debug("asr: ignoring frame", "msg_type", int(f.MsgType))
		}
	}
}

// drainLoop 批量策略的周期发送任务
func (s *StreamSession) drainLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if s.State() != StateActive {
				continue
			}
			s.audioMu.Lock()
			if s.terminalSent {
				s.audioMu.Unlock()
				return
			}
			data := s.chunk.drainBatch(s.cfg.BatchMaxFrames)
			if len(data) > 0 {
				if err := s.sendChunk(data, false); err != nil {
					s.log.Warn("asr: batch send failed", "error", err)
				}
			}
			s.audioMu.Unlock()
		}
	}
}

// finish 发送终止分片, 每会话恰好一次
//
// 发送失败时尾部数据保留, terminalSent 不置位, 调用方可重试.
func (s *StreamSession) finish() error {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if s.terminalSent {
		return nil
	}

	if !s.tailFlushed {
		s.pendingTail = s.chunk.flush()
		s.tailFlushed = true
	}
	s.log.Debug("asr: sending terminal chunk", "bytes", len(s.pendingTail))
	if err := s.sendChunk(s.pendingTail, true); err != nil {
		return err
	}
	s.terminalSent = true
	s.pendingTail = nil
	return nil
}

// sendChunk 压缩并组帧一个音频分片后发送
func (s *StreamSession) sendChunk(chunk []byte, last bool) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	compressed, err := gzipCompress(chunk)
	if err != nil {
		return wrapError(err, "compress chunk")
	}
	if err := conn.sendFrame(encodeAudioChunk(compressed, last)); err != nil {
		s.notifyFailure(conn, err)
		return err
	}
	return nil
}

// notifyFailure 向重连循环投递失败通知
//
// 已被替换连接上的滞后错误与关闭过程中的错误一律忽略.
func (s *StreamSession) notifyFailure(from *wsConn, err error) {
	select {
	case <-s.closed:
		return
	default:
	}
	if from != nil {
		s.mu.Lock()
		stale := from != s.conn
		s.mu.Unlock()
		if stale {
			return
		}
	}
	select {
	case s.failures <- err:
	default:
	}
}

// emit 投递一条会话事件, 会话关闭时放弃
func (s *StreamSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}
