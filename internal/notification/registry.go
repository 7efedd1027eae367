package notification

import (
	"iter"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Connection は登録中のライブ接続1件。プロセス内だけに存在し、永続化されない。
type Connection struct {
	// UserID は接続の所有ユーザー。
	UserID string
	// EstablishedAt は登録日時（診断用）。
	EstablishedAt time.Time

	channel  Channel
	registry *Registry
}

// Send は接続のチャネルにフレームを送る。
func (c *Connection) Send(frame []byte) error {
	return c.channel.Send(frame)
}

// Release はこの接続がまだ登録中であれば登録を解除し、チャネルを閉じる。
// 既に新しい接続に置き換えられていれば、後継の登録には触れない。
func (c *Connection) Release() bool {
	return c.registry.Remove(c)
}

// Registry はユーザーIDからライブ接続への対応表。1ユーザーにつき接続は高々1つ。
// サーバープロセスごとに1つ生成し、ディスパッチャとトランスポートに渡して共有する。
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	log     logrus.FieldLogger
	metrics *Metrics
}

// NewRegistry は空のRegistryを生成する。metricsはnilでもよい。
func NewRegistry(log logrus.FieldLogger, metrics *Metrics) *Registry {
	return &Registry{
		conns:   make(map[string]*Connection),
		log:     log.WithField("component", "registry"),
		metrics: metrics,
	}
}

// Register はuserIDの接続としてchを登録し、ハンドルを返す。
// 既存の接続があれば入れ替え、Registerが戻る前にそのチャネルを閉じる。
func (r *Registry) Register(userID string, ch Channel) *Connection {
	conn := &Connection{
		UserID:        userID,
		EstablishedAt: time.Now().UTC(),
		channel:       ch,
		registry:      r,
	}

	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	n := len(r.conns)
	r.mu.Unlock()

	r.metrics.setConnections(n)
	if prev != nil {
		r.metrics.evicted()
		r.closeQuietly(prev, "evicted")
	}
	return conn
}

// Deregister はuserIDの接続を登録解除してチャネルを閉じる。
// 未登録のユーザーに対して何度呼んでもよい。
func (r *Registry) Deregister(userID string) {
	r.mu.Lock()
	conn, ok := r.conns[userID]
	if ok {
		delete(r.conns, userID)
	}
	n := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.metrics.setConnections(n)
		r.closeQuietly(conn, "deregistered")
	}
}

// Remove はconnが現在の登録である場合に限り登録解除し、登録を外したかを返す。
// チャネルはどちらの場合も閉じる。
func (r *Registry) Remove(conn *Connection) bool {
	r.mu.Lock()
	current, ok := r.conns[conn.UserID]
	removed := ok && current == conn
	if removed {
		delete(r.conns, conn.UserID)
	}
	n := len(r.conns)
	r.mu.Unlock()

	if removed {
		r.metrics.setConnections(n)
	}
	r.closeQuietly(conn, "removed")
	return removed
}

// Get はuserIDの接続を返す。
func (r *Registry) Get(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userID]
	return conn, ok
}

// All は呼び出し時点の登録のスナップショットを、excludeUserIDを除いて列挙する。
// スナップショットは読み取りロック中に確定するため、入れ替え途中の状態は見えない。
// 返したシーケンスは何度でも同じスナップショットを列挙できる。
func (r *Registry) All(excludeUserID string) iter.Seq2[string, *Connection] {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for userID, conn := range r.conns {
		if excludeUserID != "" && userID == excludeUserID {
			continue
		}
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()

	return func(yield func(string, *Connection) bool) {
		for _, conn := range snapshot {
			if !yield(conn.UserID, conn) {
				return
			}
		}
	}
}

// Len は登録中の接続数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll はすべての接続を登録解除して閉じる。シャットダウン時に使う。
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	r.metrics.setConnections(0)
	for _, conn := range conns {
		r.closeQuietly(conn, "shutdown")
	}
}

// closeQuietly はチャネルを閉じる。失敗はログに残すだけで呼び出し元には返さない。
func (r *Registry) closeQuietly(conn *Connection, reason string) {
	if err := conn.channel.Close(); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"user_id": conn.UserID,
			"reason":  reason,
		}).Warn("接続のクローズに失敗しました")
	}
}
