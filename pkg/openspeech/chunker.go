package openspeech

import (
	"slices"

	"github.com/voxlink/streamasr/pkg/buffer"
)

// chunker 把生产者任意大小的音频帧整理成协议分片
//
// 两种策略共用同一接口: 同步切片在 push 时直接产出满分片;
// 定时批量在 push 时只入队, 由会话的周期任务调用 drainBatch.
// push/flush 只会被生产者路径调用, drainBatch 只会被发送任务调用,
// 可变缓冲不跨路径写入.
type chunker interface {
	// push 写入一段音频, 返回立即可发送的分片 (可能为空)
	push(p []byte) ([][]byte, error)

	// drainBatch 取出至多 max 帧并拼接为一个分片; 无数据返回 nil
	drainBatch(max int) []byte

	// flush 取出全部剩余缓冲, 作为终止分片的负载 (可能为空)
	flush() []byte

	// periodic 是否需要周期发送任务
	periodic() bool

	// dropped 因队列溢出被丢弃的帧数
	dropped() uint64
}

func newChunker(cfg *Config) chunker {
	chunkSize := cfg.Format.BytesInDuration(cfg.SegmentDuration)
	if cfg.Policy == ChunkBatch {
		return &batchChunker{
			queue:     buffer.NewFrameQueue(cfg.QueueCapacity, cfg.QueueOverflow),
			maxFrames: cfg.BatchMaxFrames,
		}
	}
	return &sliceChunker{chunkSize: chunkSize}
}

// ================== 同步切片 ==================

// sliceChunker 攒满即切, 每字节延迟最小
type sliceChunker struct {
	chunkSize int
	buf       []byte
}

func (c *sliceChunker) push(p []byte) ([][]byte, error) {
	c.buf = append(c.buf, p...)

	var chunks [][]byte
	for len(c.buf) >= c.chunkSize {
		chunks = append(chunks, slices.Clone(c.buf[:c.chunkSize]))
		c.buf = c.buf[c.chunkSize:]
	}
	return chunks, nil
}

func (c *sliceChunker) drainBatch(int) []byte { return nil }

func (c *sliceChunker) flush() []byte {
	rest := c.buf
	c.buf = nil
	return rest
}

func (c *sliceChunker) periodic() bool  { return false }
func (c *sliceChunker) dropped() uint64 { return 0 }

// ================== 定时批量 ==================

// batchChunker 有界队列 + 周期合并发送
type batchChunker struct {
	queue     *buffer.FrameQueue
	maxFrames int
}

func (c *batchChunker) push(p []byte) ([][]byte, error) {
	if err := c.queue.Push(slices.Clone(p)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *batchChunker) drainBatch(max int) []byte {
	if max <= 0 {
		max = c.maxFrames
	}
	frames, err := c.queue.DrainUpTo(max)
	if err != nil || len(frames) == 0 {
		return nil
	}
	return slices.Concat(frames...)
}

func (c *batchChunker) flush() []byte {
	c.queue.CloseWrite()
	var rest [][]byte
	for {
		frames, err := c.queue.DrainUpTo(0)
		if err != nil || len(frames) == 0 {
			break
		}
		rest = append(rest, frames...)
	}
	return slices.Concat(rest...)
}

func (c *batchChunker) periodic() bool  { return true }
func (c *batchChunker) dropped() uint64 { return c.queue.Dropped() }
