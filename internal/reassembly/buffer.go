// Package reassembly 将按 message_id 分组的分片帧拼装为完整消息。
package reassembly

import (
	"sort"
	"time"

	"github.com/BetaCatPro/wsevent/internal/errors"
	"github.com/BetaCatPro/wsevent/internal/protocol"
)

// Message 拼装结果，Frame 为最后到达的分片
type Message struct {
	ID      string
	Frame   *protocol.Frame
	Payload []byte
}

// group 一个未完成的分片组
type group struct {
	parts     [][]byte
	filled    int
	createdAt time.Time
}

// Buffer 分片缓冲区，只在连接循环所在协程中使用
type Buffer struct {
	ttl    time.Duration
	groups map[string]*group
}

// NewBuffer 创建分片缓冲区，ttl<=0 表示不限制分组存活时间
func NewBuffer(ttl time.Duration) *Buffer {
	return &Buffer{
		ttl:    ttl,
		groups: make(map[string]*group),
	}
}

// Accept 接收一个数据帧；消息完整时返回，否则返回 nil
func (b *Buffer) Accept(f *protocol.Frame, now time.Time) (*Message, error) {
	sum, err := f.HeaderInt(protocol.HeaderSum, 1)
	if err != nil {
		return nil, errors.Protocol("invalid sum header: %v", err)
	}
	seq, err := f.HeaderInt(protocol.HeaderSeq, 0)
	if err != nil {
		return nil, errors.Protocol("invalid seq header: %v", err)
	}
	id, _ := f.Header(protocol.HeaderMessageID)

	if sum < 1 {
		return nil, errors.Protocol("message %s: sum %d < 1", id, sum)
	}
	if seq < 0 || seq >= sum {
		return nil, errors.Protocol("message %s: seq %d out of range [0,%d)", id, seq, sum)
	}
	if sum == 1 {
		return &Message{ID: id, Frame: f, Payload: f.Payload}, nil
	}
	// message_id 是分组键，缺失时无法区分不同消息的分片
	if id == "" {
		return nil, errors.Protocol("fragment %d/%d without message_id", seq, sum)
	}

	g, ok := b.groups[id]
	if !ok {
		g = &group{parts: make([][]byte, sum), createdAt: now}
		b.groups[id] = g
	} else if len(g.parts) != sum {
		delete(b.groups, id)
		return nil, errors.Protocol("message %s: sum changed from %d to %d", id, len(g.parts), sum)
	}

	if g.parts[seq] == nil {
		g.filled++
	}
	// 空负载也要占位
	part := f.Payload
	if part == nil {
		part = []byte{}
	}
	g.parts[seq] = part

	if g.filled < sum {
		return nil, nil
	}

	delete(b.groups, id)
	size := 0
	for _, p := range g.parts {
		size += len(p)
	}
	merged := make([]byte, 0, size)
	for _, p := range g.parts {
		merged = append(merged, p...)
	}
	return &Message{ID: id, Frame: f, Payload: merged}, nil
}

// Expire 丢弃超过存活时间的分组，有分组被丢弃时返回协议错误
func (b *Buffer) Expire(now time.Time) ([]string, error) {
	if b.ttl <= 0 {
		return nil, nil
	}
	var expired []string
	for id, g := range b.groups {
		if now.Sub(g.createdAt) > b.ttl {
			expired = append(expired, id)
			delete(b.groups, id)
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	sort.Strings(expired)
	return expired, errors.Protocol("incomplete fragment groups expired after %s: %v", b.ttl, expired)
}

// Pending 未完成分组数量
func (b *Buffer) Pending() int {
	return len(b.groups)
}

// Reset 丢弃所有未完成分组
func (b *Buffer) Reset() {
	b.groups = make(map[string]*group)
}
