package notification

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrChannelClosed は閉じられたチャネルへの送信を表す。
	ErrChannelClosed = errors.New("チャネルは既に閉じられています")
	// ErrChannelBackpressure は送信キューが満杯であること（クライアントの受信が遅い）を表す。
	ErrChannelBackpressure = errors.New("チャネルの送信キューが満杯です")
)

// ChannelError はライブ接続への書き込みや切断の失敗を表す。
// 常に登録解除で回復でき、プロセスにとって致命的にはならない。
type ChannelError struct {
	// Op は失敗した操作（send, write, heartbeat など）。
	Op string
	// Err は原因となったエラー。
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("チャネルの%sに失敗: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Channel はクライアント1人へのサーバー発のストリーム。
// Sendはフレームの境界を保ったまま送信順に届ける。Closeは何度呼んでもよい。
type Channel interface {
	Send(frame []byte) error
	Close() error
}

// StreamChannel はトランスポートに依存しないChannelの実装。
// フレームは上限付きのキューに積まれ、セッションのゴルーチンがトランスポートへ書き出す。
// Sendはブロックしないため、遅いクライアントが配信元を止めることはない。
type StreamChannel struct {
	mu     sync.Mutex
	queue  chan []byte
	done   chan struct{}
	closed bool
}

var _ Channel = (*StreamChannel)(nil)

// NewStreamChannel は送信キューの長さを指定してStreamChannelを生成する。
func NewStreamChannel(buffer int) *StreamChannel {
	if buffer < 1 {
		buffer = 1
	}
	return &StreamChannel{
		queue: make(chan []byte, buffer),
		done:  make(chan struct{}),
	}
}

// Send はフレームを送信キューに積む。
// 閉じられていればErrChannelClosed、キューが満杯ならErrChannelBackpressureを返す。
func (c *StreamChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &ChannelError{Op: "send", Err: ErrChannelClosed}
	}
	select {
	case c.queue <- frame:
		return nil
	default:
		return &ChannelError{Op: "send", Err: ErrChannelBackpressure}
	}
}

// Close はチャネルを閉じる。キューに残ったフレームは書き出されない。
func (c *StreamChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Frames は送信待ちのフレームを受け取るチャネルを返す。
func (c *StreamChannel) Frames() <-chan []byte {
	return c.queue
}

// Done はCloseされると閉じられるチャネルを返す。
func (c *StreamChannel) Done() <-chan struct{} {
	return c.done
}
