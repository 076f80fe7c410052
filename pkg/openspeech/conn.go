package openspeech

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn 持有一条到识别服务的 websocket 连接
//
// 只负责收发二进制帧, 不理解负载语义. 写操作互斥 (gorilla 单写者约束),
// 读操作由唯一的接收协程调用.
type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// dialConn 建立连接
//
// readLimit 需足够容纳协议最大合法响应, 默认取值见 Config.ReadLimit.
func dialConn(ctx context.Context, endpoint string, headers http.Header, timeout time.Duration, readLimit int64) (*wsConn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, wrapError(err, "dial "+endpoint+" status "+resp.Status)
		}
		return nil, wrapError(err, "dial "+endpoint)
	}
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &wsConn{conn: conn}, nil
}

// sendFrame 发送一帧
func (c *wsConn) sendFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return wrapError(err, "send frame")
	}
	return nil
}

// sendFrameTimeout 在限定时间内发送一帧, 对端停滞时按写超时失败
func (c *wsConn) sendFrameTimeout(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return wrapError(err, "send frame")
	}
	return nil
}

// receiveFrame 阻塞等待下一帧二进制消息, 文本等其他消息类型跳过
func (c *wsConn) receiveFrame() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, wrapError(err, "receive frame")
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// close 幂等关闭连接
func (c *wsConn) close() error {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
	return nil
}
