package openspeech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// ================== 协议常量 ==================

type messageType byte
type messageFlags byte
type serializationType byte
type compressionType byte

const (
	protocolVersionV1 byte = 0b0001

	// Message Types
	msgTypeFullClient    messageType = 0b0001
	msgTypeAudioOnly     messageType = 0b0010
	msgTypeFullResponse  messageType = 0b1001
	msgTypeAck           messageType = 0b1011
	msgTypeErrorResponse messageType = 0b1111

	// Message Type Specific Flags
	flagNoSequence  messageFlags = 0b0000
	flagPosSequence messageFlags = 0b0001
	flagNegSequence messageFlags = 0b0010
	flagNegWithSeq  messageFlags = 0b0011

	// Serialization Types
	serializationNone   serializationType = 0b0000
	serializationJSON   serializationType = 0b0001
	serializationThrift serializationType = 0b0011
	serializationCustom serializationType = 0b1111

	// Compression Types
	compressionNone   compressionType = 0b0000
	compressionGzip   compressionType = 0b0001
	compressionCustom compressionType = 0b1111
)

// ================== 帧编解码 ==================

// frame 一条已解码的协议消息
//
// 协议格式:
// - Header (4 bytes + 扩展):
//   - (4bits) version + (4bits) header_size (4 字节为单位)
//   - (4bits) message_type + (4bits) message_type_flags
//   - (4bits) serialization + (4bits) compression
//   - (8bits) reserved
//   - [optional] extension bytes
//
// - Payload (按消息类型):
//   - full response:  int32 size + data
//   - ack:            int32 seq [+ uint32 size + data]
//   - error response: uint32 code + uint32 size + data
type frame struct {
	Version       byte
	HeaderWords   int
	MsgType       messageType
	Flags         messageFlags
	Serialization serializationType
	Compression   compressionType
	Extensions    []byte

	HasSeq bool
	Seq    int32

	HasCode bool
	Code    uint32

	// Payload 负载数据, 若压缩方式为 gzip 则已解压
	Payload []byte
}

// encodeFrame 组装一帧: header + 扩展 + 4 字节大端负载长度 + 负载
//
// 负载须由调用方预先完成序列化与压缩, header_size 按扩展长度折算.
func encodeFrame(msgType messageType, flags messageFlags, serial serializationType, comp compressionType, extension, payload []byte) []byte {
	headerWords := len(extension)/4 + 1

	buf := bytes.NewBuffer(make([]byte, 0, headerWords*4+4+len(payload)))
	buf.WriteByte(protocolVersionV1<<4 | byte(headerWords))
	buf.WriteByte(byte(msgType)<<4 | byte(flags))
	buf.WriteByte(byte(serial)<<4 | byte(comp))
	buf.WriteByte(0x00) // reserved
	buf.Write(extension)

	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// encodeFullClientRequest 组装初始握手帧, 负载为 gzip 压缩后的 JSON 请求体
func encodeFullClientRequest(payload []byte) []byte {
	return encodeFrame(msgTypeFullClient, flagNoSequence, serializationJSON, compressionGzip, nil, payload)
}

// encodeAudioChunk 组装音频帧, 负载为 gzip 压缩后的 PCM 分片
//
// 中间分片使用正序标志, 终止分片使用负序标志通知服务端结束识别.
func encodeAudioChunk(payload []byte, last bool) []byte {
	flags := flagPosSequence
	if last {
		flags = flagNegSequence
	}
	return encodeFrame(msgTypeAudioOnly, flags, serializationJSON, compressionGzip, nil, payload)
}

// decodeFrame 解析一帧服务端消息
//
// 按消息类型分派负载布局; 声明长度超过实际数据返回 ErrMalformedFrame.
// 未知消息类型不报错, 返回仅含 header 字段的帧.
func decodeFrame(data []byte) (*frame, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d header bytes", ErrMalformedFrame, len(data))
	}

	f := &frame{
		Version:       data[0] >> 4,
		HeaderWords:   int(data[0] & 0x0f),
		MsgType:       messageType(data[1] >> 4),
		Flags:         messageFlags(data[1] & 0x0f),
		Serialization: serializationType(data[2] >> 4),
		Compression:   compressionType(data[2] & 0x0f),
	}

	headerLen := f.HeaderWords * 4
	if headerLen < 4 || headerLen > len(data) {
		return nil, fmt.Errorf("%w: header size %d words exceeds %d bytes", ErrMalformedFrame, f.HeaderWords, len(data))
	}
	if headerLen > 4 {
		f.Extensions = data[4:headerLen]
	}

	body := data[headerLen:]

	var payload []byte
	switch f.MsgType {
	case msgTypeFullResponse:
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: truncated full response", ErrMalformedFrame)
		}
		size := int32(binary.BigEndian.Uint32(body[:4]))
		rest := body[4:]
		if size < 0 || int(size) > len(rest) {
			return nil, fmt.Errorf("%w: declared size %d, have %d bytes", ErrMalformedFrame, size, len(rest))
		}
		payload = rest[:size]

	case msgTypeAck:
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: truncated ack", ErrMalformedFrame)
		}
		f.HasSeq = true
		f.Seq = int32(binary.BigEndian.Uint32(body[:4]))
		if len(body) >= 8 {
			size := binary.BigEndian.Uint32(body[4:8])
			rest := body[8:]
			if int(size) > len(rest) {
				return nil, fmt.Errorf("%w: declared size %d, have %d bytes", ErrMalformedFrame, size, len(rest))
			}
			payload = rest[:size]
		}

	case msgTypeErrorResponse:
		if len(body) < 8 {
			return nil, fmt.Errorf("%w: truncated error response", ErrMalformedFrame)
		}
		f.HasCode = true
		f.Code = binary.BigEndian.Uint32(body[:4])
		size := binary.BigEndian.Uint32(body[4:8])
		rest := body[8:]
		if int(size) > len(rest) {
			return nil, fmt.Errorf("%w: declared size %d, have %d bytes", ErrMalformedFrame, size, len(rest))
		}
		payload = rest[:size]

	default:
		// 未知类型: 只保留 header 字段
		return f, nil
	}

	if len(payload) > 0 && f.Compression == compressionGzip {
		decompressed, err := gzipDecompress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrMalformedFrame, err)
		}
		payload = decompressed
	}
	f.Payload = payload
	return f, nil
}

// text 按序列化方式将负载转为文本; NO_SERIALIZATION 原样返回
func (f *frame) text() string {
	return string(f.Payload)
}

// gzipCompress gzip 压缩
func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// gzipDecompress gzip 解压
func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
