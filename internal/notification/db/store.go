// Package notificationdb は通知レコードの永続化を担う。
//
// 配信コアが依存するのは Inserter だけで、一覧取得や既読化は
// HTTP APIなどの利用者側が Store を通じて行う。
package notificationdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/marketplace/pkg/event"
)

// Notification は永続化された通知レコード。
type Notification struct {
	// ID は作成時に割り当てられる一意識別子。
	ID string `json:"id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"userId"`
	// Type は通知の起点となったイベントの種類。
	Type event.Type `json:"type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知の本文。
	Message string `json:"message"`
	// Data は画面遷移などに使うコンテキストデータ。配信コアは解釈しない。
	Data map[string]any `json:"data"`
	// Priority はイベント種別ごとに固定の優先度。
	Priority event.Priority `json:"priority"`
	// IsRead は既読状態。作成時は常にfalse。
	IsRead bool `json:"isRead"`
	// CreatedAt は作成日時（UTC）。
	CreatedAt time.Time `json:"createdAt"`
}

// Filter は通知一覧の絞り込み条件。ゼロ値の項目は条件に含めない。
type Filter struct {
	UserID string
	Type   event.Type
	IsRead *bool
}

// Page はページングの指定。
type Page struct {
	Limit  int
	Offset int
}

const (
	// DefaultLimit はLimit未指定時の件数。
	DefaultLimit = 50
	// MaxLimit は1ページの最大件数。
	MaxLimit = 200
)

// normalize はLimitとOffsetを許容範囲に収める。
func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Inserter は通知レコードを1件書き込む。配信コアが依存する唯一の操作。
type Inserter interface {
	Insert(ctx context.Context, n *Notification) error
}

// Store は通知レコードの読み書きを行う。
type Store interface {
	Inserter
	Query(ctx context.Context, filter Filter, page Page) ([]Notification, error)
	Get(ctx context.Context, id string) (*Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkAsRead(ctx context.Context, id, userID string) error
	MarkAllAsRead(ctx context.Context, userID string) (int64, error)
}

// ErrNotFound は通知が存在しない、または他ユーザーのものであることを表す。
var ErrNotFound = errors.New("通知が見つかりません")

// StoreError は永続化層での失敗を表す。
type StoreError struct {
	// Op は失敗した操作名。
	Op string
	// Err は原因となったエラー。
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("通知ストアの%sに失敗: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
