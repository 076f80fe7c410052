package openspeech

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeBackend 模拟识别服务: 升级 websocket, 读握手帧, 交给场景处理函数
type fakeBackend struct {
	t      *testing.T
	handle func(dial int, conn *websocket.Conn, envelope *requestEnvelope)

	mu     sync.Mutex
	dials  int
	reqIDs []string
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	envelope, err := parseClientHandshake(data)
	if err != nil {
		b.t.Errorf("parse handshake: %v", err)
		return
	}

	b.mu.Lock()
	b.dials++
	dial := b.dials
	b.reqIDs = append(b.reqIDs, envelope.Request.ReqID)
	b.mu.Unlock()

	b.handle(dial, conn, envelope)
}

func (b *fakeBackend) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBackend) handshakeReqIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reqIDs...)
}

// parseClientHandshake 解析客户端握手帧 (JSON + gzip 负载)
func parseClientHandshake(data []byte) (*requestEnvelope, error) {
	if len(data) < 8 || messageType(data[1]>>4) != msgTypeFullClient {
		return nil, errors.New("not a full client request")
	}
	size := binary.BigEndian.Uint32(data[4:8])
	if int(size) != len(data)-8 {
		return nil, errors.New("handshake size mismatch")
	}
	payload, err := gzipDecompress(data[8:])
	if err != nil {
		return nil, err
	}
	var envelope requestEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// readAudioChunk 读取一个客户端音频帧, 返回解压负载与终止标志
func readAudioChunk(conn *websocket.Conn) ([]byte, bool, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, false, err
	}
	if len(data) < 8 || messageType(data[1]>>4) != msgTypeAudioOnly {
		return nil, false, errors.New("not an audio chunk")
	}
	last := messageFlags(data[1]&0x0f) == flagNegSequence
	payload, err := gzipDecompress(data[8:])
	if err != nil {
		return nil, false, err
	}
	return payload, last, nil
}

func sendResult(conn *websocket.Conn, payload string) error {
	compressed, err := gzipCompress([]byte(payload))
	if err != nil {
		return err
	}
	frame := encodeFrame(msgTypeFullResponse, flagNoSequence, serializationJSON, compressionGzip, nil, compressed)
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func sendBackendError(conn *websocket.Conn, code uint32, msg string) error {
	body := make([]byte, 8, 8+len(msg))
	binary.BigEndian.PutUint32(body[:4], code)
	binary.BigEndian.PutUint32(body[4:8], uint32(len(msg)))
	body = append(body, msg...)
	frame := append([]byte{0x11, 0xf0, 0x00, 0x00}, body...)
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func startTestSession(t *testing.T, backend *fakeBackend, mutate func(*Config)) *StreamSession {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	cfg := &Config{
		AppID:            "app",
		Token:            "token",
		Cluster:          "cluster",
		WSURL:            "ws://" + strings.TrimPrefix(srv.URL, "http://"),
		ReconnectBackoff: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}

	session, err := NewStreamSession(cfg)
	if err != nil {
		t.Fatalf("NewStreamSession: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return session
}

func waitEvent(t *testing.T, events <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed while waiting for %v", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %v", typ)
		}
	}
}

func TestStreamSession_TranscribeFlow(t *testing.T) {
	audio := make([]byte, 8000)
	for i := range audio {
		audio[i] = byte(i)
	}

	received := make(chan []byte, 1)
	backend := &fakeBackend{t: t, handle: func(dial int, conn *websocket.Conn, envelope *requestEnvelope) {
		if envelope.Audio.Rate != 16000 || envelope.Audio.Format != "pcm" {
			t.Errorf("audio params = %+v", envelope.Audio)
		}
		var collected []byte
		for {
			payload, last, err := readAudioChunk(conn)
			if err != nil {
				t.Errorf("read audio: %v", err)
				return
			}
			collected = append(collected, payload...)
			if last {
				break
			}
		}
		received <- collected

		sendResult(conn, `{"code":1000,"result":{"text":"hello wor"}}`)
		sendResult(conn, `{"code":1000,"result":[{"text":"hello world","utterances":[{"text":"hello world","definite":true}]}]}`)
		// 等客户端关闭
		conn.ReadMessage()
	}}

	session := startTestSession(t, backend, nil)
	waitEvent(t, session.Events(), EventConnected)

	if err := session.StreamBytes(42, audio); err != nil {
		t.Fatalf("StreamBytes: %v", err)
	}

	interim := waitEvent(t, session.Events(), EventResult)
	if interim.Transcript.Text != "hello wor" || interim.Transcript.IsFinal {
		t.Fatalf("interim = %+v", interim.Transcript)
	}
	final := waitEvent(t, session.Events(), EventResult)
	if final.Transcript.Text != "hello world" || !final.Transcript.IsFinal {
		t.Fatalf("final = %+v", final.Transcript)
	}
	if final.Transcript.StreamID != 42 {
		t.Fatalf("StreamID = %d, want 42", final.Transcript.StreamID)
	}

	select {
	case collected := <-received:
		if !bytes.Equal(collected, audio) {
			t.Fatalf("backend reassembled %d bytes, want %d", len(collected), len(audio))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend never received terminal chunk")
	}
}

func TestStreamSession_WriteAfterFinish(t *testing.T) {
	backend := &fakeBackend{t: t, handle: func(dial int, conn *websocket.Conn, envelope *requestEnvelope) {
		for {
			if _, _, err := readAudioChunk(conn); err != nil {
				return
			}
		}
	}}

	session := startTestSession(t, backend, nil)
	if err := session.StreamBytes(1, []byte("audio")); err != nil {
		t.Fatalf("StreamBytes: %v", err)
	}
	if err := session.WriteFrame(AudioFrame{Data: []byte("more")}); !errors.Is(err, ErrStreamFinished) {
		t.Fatalf("WriteFrame after finish = %v, want ErrStreamFinished", err)
	}
}

func TestStreamSession_ReconnectsWithFreshReqID(t *testing.T) {
	backend := &fakeBackend{t: t}
	backend.handle = func(dial int, conn *websocket.Conn, envelope *requestEnvelope) {
		if dial == 1 {
			sendBackendError(conn, CodeServerBusy, "server busy")
			return
		}
		sendResult(conn, `{"code":1000,"result":[{"text":"recovered"}]}`)
		conn.ReadMessage()
	}

	session := startTestSession(t, backend, nil)
	waitEvent(t, session.Events(), EventConnected)

	errEv := waitEvent(t, session.Events(), EventError)
	berr, ok := AsError(errEv.Err)
	if !ok || berr.Code != CodeServerBusy {
		t.Fatalf("error event = %v", errEv.Err)
	}
	if !berr.Retryable() {
		t.Fatal("server busy should be retryable")
	}

	waitEvent(t, session.Events(), EventConnected)
	result := waitEvent(t, session.Events(), EventResult)
	if result.Transcript.Text != "recovered" {
		t.Fatalf("result = %+v", result.Transcript)
	}

	reqIDs := backend.handshakeReqIDs()
	if len(reqIDs) != 2 {
		t.Fatalf("got %d handshakes, want 2", len(reqIDs))
	}
	if reqIDs[0] == "" || reqIDs[0] == reqIDs[1] {
		t.Fatalf("reconnect must use a fresh reqid, got %q twice", reqIDs[0])
	}
}

func TestStreamSession_ReconnectLimit(t *testing.T) {
	liveConn := make(chan *websocket.Conn, 1)
	backend := &fakeBackend{t: t, handle: func(dial int, conn *websocket.Conn, envelope *requestEnvelope) {
		liveConn <- conn
		conn.ReadMessage()
	}}
	srv := httptest.NewServer(backend)

	session, err := NewStreamSession(&Config{
		AppID:            "app",
		Token:            "token",
		Cluster:          "cluster",
		WSURL:            "ws://" + strings.TrimPrefix(srv.URL, "http://"),
		ReconnectBackoff: 10 * time.Millisecond,
		MaxReconnects:    2,
	})
	if err != nil {
		t.Fatalf("NewStreamSession: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, session.Events(), EventConnected)

	// EventConnected 在服务端读到握手帧之前就可能发出, 等服务端确认
	waitDeadline := time.Now().Add(2 * time.Second)
	for backend.dialCount() == 0 {
		if time.Now().After(waitDeadline) {
			t.Fatal("backend never observed the handshake")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 服务下线: srv.Close 只让后续拨号失败, 不会关闭已被劫持的 websocket
	// 连接, 需要显式关闭当前连接让客户端观察到断开
	srv.Close()
	(<-liveConn).Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				t.Fatal("events closed before reconnect limit error")
			}
			if ev.Type == EventError && errors.Is(ev.Err, ErrTooManyReconnects) {
				waitEvent(t, session.Events(), EventClosed)
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for reconnect limit")
		}
	}
}

func TestStreamSession_BatchPolicy(t *testing.T) {
	audio := make([]byte, 6400)
	for i := range audio {
		audio[i] = byte(i % 7)
	}

	received := make(chan []byte, 1)
	backend := &fakeBackend{t: t, handle: func(dial int, conn *websocket.Conn, envelope *requestEnvelope) {
		var collected []byte
		for {
			payload, last, err := readAudioChunk(conn)
			if err != nil {
				t.Errorf("read audio: %v", err)
				return
			}
			collected = append(collected, payload...)
			if last {
				break
			}
		}
		received <- collected
		conn.ReadMessage()
	}}

	session := startTestSession(t, backend, func(cfg *Config) {
		cfg.Policy = ChunkBatch
		cfg.BatchInterval = 5 * time.Millisecond
	})

	// 按小帧投递, 批量任务周期合并
	for off := 0; off < len(audio); off += 640 {
		if err := session.WriteFrame(AudioFrame{Data: audio[off : off+640]}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := session.WriteFrame(AudioFrame{EndOfSpeech: true}); err != nil {
		t.Fatalf("WriteFrame(end): %v", err)
	}

	select {
	case collected := <-received:
		if !bytes.Equal(collected, audio) {
			t.Fatalf("backend reassembled %d bytes, want %d", len(collected), len(audio))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend never received terminal chunk")
	}
	if session.DroppedFrames() != 0 {
		t.Fatalf("dropped = %d, want 0", session.DroppedFrames())
	}
}

func TestStreamSession_CloseDuringReconnect(t *testing.T) {
	backend := &fakeBackend{t: t}
	backend.handle = func(dial int, conn *websocket.Conn, envelope *requestEnvelope) {
		if dial == 1 {
			sendBackendError(conn, CodeServerBusy, "server busy")
			return
		}
		conn.ReadMessage()
	}

	// 第二次拨号在升级前停顿, 让 Close 落在重连窗口中间
	var requests atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) >= 2 {
			time.Sleep(300 * time.Millisecond)
		}
		backend.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	session, err := NewStreamSession(&Config{
		AppID:            "app",
		Token:            "token",
		Cluster:          "cluster",
		WSURL:            "ws://" + strings.TrimPrefix(srv.URL, "http://"),
		ReconnectBackoff: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewStreamSession: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitEvent(t, session.Events(), EventConnected)
	waitEvent(t, session.Events(), EventError)

	// 等第二次拨号在途
	waitDeadline := time.Now().Add(2 * time.Second)
	for requests.Load() < 2 {
		if time.Now().After(waitDeadline) {
			t.Fatal("reconnect dial never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		session.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close hung while a reconnect dial was in flight")
	}
	if session.State() != StateClosed {
		t.Fatalf("state = %v, want closed", session.State())
	}
}

func TestSendFrameTimeout_StalledPeer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		// 不读任何数据, 模拟停滞的对端
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	conn, err := dialConn(context.Background(), "ws://"+strings.TrimPrefix(srv.URL, "http://"), nil, 5*time.Second, 0)
	if err != nil {
		t.Fatalf("dialConn: %v", err)
	}
	defer conn.close()

	// 大于内核缓冲的帧配合短超时: 写必然按期限失败
	err = conn.sendFrameTimeout(make([]byte, 32<<20), 50*time.Millisecond)
	if err == nil {
		t.Fatal("send to a stalled peer should fail by deadline")
	}
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("err = %v, want a timeout", err)
	}
}

func TestFinish_RetainsTailAcrossRetry(t *testing.T) {
	received := make(chan []byte, 1)
	backend := &fakeBackend{t: t, handle: func(dial int, conn *websocket.Conn, envelope *requestEnvelope) {
		payload, last, err := readAudioChunk(conn)
		if err != nil {
			t.Errorf("read audio: %v", err)
			return
		}
		if !last {
			t.Errorf("expected the terminal chunk")
		}
		received <- payload
		conn.ReadMessage()
	}}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	session, err := NewStreamSession(&Config{
		AppID:   "app",
		Token:   "token",
		Cluster: "cluster",
		WSURL:   "ws://" + strings.TrimPrefix(srv.URL, "http://"),
	})
	if err != nil {
		t.Fatalf("NewStreamSession: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	// 未连接: 终止分片发送失败, 尾部数据与重试机会都要保留
	if _, err := session.chunk.push([]byte("tail")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := session.finish(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("finish without connection = %v, want ErrNotConnected", err)
	}

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.finish(); err != nil {
		t.Fatalf("finish retry: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != "tail" {
			t.Fatalf("terminal payload = %q, want %q", payload, "tail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend never received the terminal chunk")
	}
}

func TestStreamSession_CloseIdempotent(t *testing.T) {
	backend := &fakeBackend{t: t, handle: func(dial int, conn *websocket.Conn, envelope *requestEnvelope) {
		conn.ReadMessage()
	}}

	session := startTestSession(t, backend, nil)
	waitEvent(t, session.Events(), EventConnected)

	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if session.State() != StateClosed {
		t.Fatalf("state = %v, want closed", session.State())
	}

	if err := session.WriteFrame(AudioFrame{Data: []byte("x")}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("WriteFrame after close = %v, want ErrSessionClosed", err)
	}

	// 事件通道最终关闭
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-session.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed")
		}
	}
}

func TestNewStreamSession_MissingCredentials(t *testing.T) {
	_, err := NewStreamSession(&Config{AppID: "app"})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestStreamSession_StartTwice(t *testing.T) {
	backend := &fakeBackend{t: t, handle: func(dial int, conn *websocket.Conn, envelope *requestEnvelope) {
		conn.ReadMessage()
	}}

	session := startTestSession(t, backend, nil)
	if err := session.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
}
