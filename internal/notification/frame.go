package notification

import (
	"encoding/json"
	"fmt"
	"time"

	notificationdb "github.com/nao1215/marketplace/internal/notification/db"
	"github.com/nao1215/marketplace/pkg/event"
)

// frameTypeConnected はセッション開始直後に送る合成フレームの種別。
const frameTypeConnected = "connected"

// connectedFrame はセッション開始を知らせるフレーム。
type connectedFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// notificationFrame はライブ配信する通知1件分のフレーム。
type notificationFrame struct {
	ID        string         `json:"id"`
	Type      event.Type     `json:"type"`
	UserID    string         `json:"userId"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	Priority  event.Priority `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
}

func encodeConnected(now time.Time) []byte {
	// 固定の構造体なので失敗しない
	frame, _ := json.Marshal(connectedFrame{Type: frameTypeConnected, Timestamp: now.UTC()})
	return frame
}

func encodeNotification(n *notificationdb.Notification) ([]byte, error) {
	frame, err := json.Marshal(notificationFrame{
		ID:        n.ID,
		Type:      n.Type,
		UserID:    n.UserID,
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
		Priority:  n.Priority,
		Timestamp: n.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("通知フレームのシリアライズに失敗: %w", err)
	}
	return frame, nil
}
