package notification

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// BroadcastResult は一斉送信の結果。
type BroadcastResult struct {
	// Delivered は送信できた接続数。
	Delivered int `json:"delivered"`
	// Failed は送信に失敗し登録解除した接続数。
	Failed int `json:"failed"`
}

// Broadcaster は登録中のすべての接続に一時的なメッセージを送る。
// 通知レコードは作らない。
type Broadcaster struct {
	registry *Registry
	log      logrus.FieldLogger
	metrics  *Metrics
}

// NewBroadcaster はBroadcasterを生成する。
func NewBroadcaster(registry *Registry, log logrus.FieldLogger, metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		log:      log.WithField("component", "broadcaster"),
		metrics:  metrics,
	}
}

// Broadcast はmessageをJSONにして、excludeUserID以外の全接続へ送る。
// 送信に失敗した接続はログに残して登録解除し、残りへの送信は続ける。
// エラーを返すのはmessageをシリアライズできない場合だけ。
func (b *Broadcaster) Broadcast(message any, excludeUserID string) (BroadcastResult, error) {
	frame, err := json.Marshal(message)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("ブロードキャストメッセージのシリアライズに失敗: %w", err)
	}

	var result BroadcastResult
	for userID, conn := range b.registry.All(excludeUserID) {
		if err := conn.Send(frame); err != nil {
			result.Failed++
			conn.Release()
			b.log.WithError(err).WithField("user_id", userID).Warn("ブロードキャストの送信に失敗したため接続を解除しました")
			continue
		}
		result.Delivered++
	}

	b.metrics.broadcastOutcome("delivered", result.Delivered)
	b.metrics.broadcastOutcome("failed", result.Failed)
	return result, nil
}
