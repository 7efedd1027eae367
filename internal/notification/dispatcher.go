package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	notificationdb "github.com/nao1215/marketplace/internal/notification/db"
	"github.com/nao1215/marketplace/pkg/event"
)

// ErrInvalidEvent は配信できないイベント（未知の種別、通知先なし）を表す。
var ErrInvalidEvent = errors.New("不正なイベントです")

// Report は1件の配信結果。
type Report struct {
	// Notification は生成した通知。入力が不正な場合はnil。
	Notification *notificationdb.Notification
	// Stored はストアへの書き込みに成功したか。
	Stored bool
	// DeadLettered はストアに書けず、デッドレターに退避したか。
	DeadLettered bool
	// Delivered はライブ接続へ送信できたか。
	Delivered bool
}

// Dispatcher はビジネスイベントを通知レコードに変換し、永続化とライブ配信を行う。
//
// 永続化はリトライとデッドレターで必ず記録を残し（at-least-once）、
// ライブ配信は接続中のユーザーにだけ一度試みる（at-most-once）。
type Dispatcher struct {
	store        notificationdb.Inserter
	registry     *Registry
	deadLetter   DeadLetter
	log          logrus.FieldLogger
	metrics      *Metrics
	retries      int
	backoff      time.Duration
	storeTimeout time.Duration
	now          func() time.Time
}

// DispatcherOption はDispatcherの設定を変更する。
type DispatcherOption func(*Dispatcher)

// WithRetry はストア書き込みのリトライ回数と間隔を設定する。
func WithRetry(retries int, backoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.retries = retries
		d.backoff = backoff
	}
}

// WithDeadLetter はデッドレターの退避先を設定する。
func WithDeadLetter(dl DeadLetter) DispatcherOption {
	return func(d *Dispatcher) { d.deadLetter = dl }
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher はDispatcherを生成する。
// デッドレターを指定しない場合はログに記録する。
func NewDispatcher(store notificationdb.Inserter, registry *Registry, log logrus.FieldLogger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		registry:     registry,
		log:          log.WithField("component", "dispatcher"),
		retries:      3,
		backoff:      200 * time.Millisecond,
		storeTimeout: 5 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.deadLetter == nil {
		d.deadLetter = NewLogDeadLetter(log)
	}
	return d
}

// Deliver はイベントを1人の通知先に配信し、結果を返す。
//
// 通知の生成、ストアへの書き込み（リトライ、失敗時はデッドレター）、
// ライブ配信の順に行う。ライブ配信の失敗は書き込みを取り消さない。
// 返すエラーは*notificationdb.StoreErrorと*ChannelErrorをerrors.Joinしたもの。
func (d *Dispatcher) Deliver(ctx context.Context, typ event.Type, userID string, data map[string]any) (Report, error) {
	if userID == "" {
		return Report{}, fmt.Errorf("%w: 通知先のユーザーIDが空です", ErrInvalidEvent)
	}
	title, message, priority, ok := renderNotification(typ, data)
	if !ok {
		d.metrics.dispatchedOutcome(string(typ), "invalid")
		return Report{}, fmt.Errorf("%w: 未知のイベント種別 %q", ErrInvalidEvent, typ)
	}
	if data == nil {
		data = map[string]any{}
	}

	n := &notificationdb.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Message:   message,
		Data:      data,
		Priority:  priority,
		IsRead:    false,
		CreatedAt: d.now().UTC(),
	}
	report := Report{Notification: n}

	var errs []error
	if err := d.insert(ctx, n); err != nil {
		errs = append(errs, err)
		if dlErr := d.deadLetter.Put(context.WithoutCancel(ctx), n, err); dlErr != nil {
			errs = append(errs, dlErr)
			d.metrics.dispatchedOutcome(string(typ), "lost")
		} else {
			report.DeadLettered = true
			d.metrics.deadLetter("stored")
			d.metrics.dispatchedOutcome(string(typ), "dead_letter")
		}
	} else {
		report.Stored = true
		d.metrics.dispatchedOutcome(string(typ), "stored")
	}

	delivered, err := d.sendLive(n)
	if err != nil {
		errs = append(errs, err)
	}
	report.Delivered = delivered

	return report, errors.Join(errs...)
}

// insert はストアへの書き込みをリトライ付きで行う。
// 呼び出し元がキャンセルされても書き込みは続ける。
func (d *Dispatcher) insert(ctx context.Context, n *notificationdb.Notification) error {
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			d.metrics.storeRetried()
			time.Sleep(d.backoff * time.Duration(attempt))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
		err = d.store.Insert(attemptCtx, n)
		cancel()
		if err == nil {
			return nil
		}

		d.log.WithError(err).WithFields(logrus.Fields{
			"notification_id": n.ID,
			"attempt":         attempt + 1,
		}).Warn("通知の保存に失敗しました")
	}

	var storeErr *notificationdb.StoreError
	if !errors.As(err, &storeErr) {
		err = &notificationdb.StoreError{Op: "insert", Err: err}
	}
	return err
}

// sendLive は通知先が接続中であればフレームを送る。
// 送信に失敗した接続は登録解除して閉じる。
func (d *Dispatcher) sendLive(n *notificationdb.Notification) (bool, error) {
	conn, ok := d.registry.Get(n.UserID)
	if !ok {
		d.metrics.liveOutcome("offline")
		return false, nil
	}

	frame, err := encodeNotification(n)
	if err != nil {
		d.metrics.liveOutcome("failed")
		return false, &ChannelError{Op: "encode", Err: err}
	}

	if err := conn.Send(frame); err != nil {
		conn.Release()
		d.metrics.liveOutcome("failed")
		d.log.WithError(err).WithFields(logrus.Fields{
			"notification_id": n.ID,
			"user_id":         n.UserID,
		}).Warn("ライブ配信に失敗したため接続を解除しました")

		var chErr *ChannelError
		if !errors.As(err, &chErr) {
			err = &ChannelError{Op: "send", Err: err}
		}
		return false, err
	}

	d.metrics.liveOutcome("delivered")
	return true, nil
}

// Dispatch はイベント発行側から呼ぶ配信の入口。エラーを返さず、パニックも外に出さない。
// 失敗はすべてログに記録され、生成した通知（入力が不正ならnil）を返す。
func (d *Dispatcher) Dispatch(ctx context.Context, typ event.Type, userID string, data map[string]any) (n *notificationdb.Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{
				"type":    typ,
				"user_id": userID,
				"panic":   r,
			}).Error("通知の配信中にパニックが発生しました")
		}
	}()

	report, err := d.Deliver(ctx, typ, userID, data)
	if err != nil {
		entry := d.log.WithError(err).WithFields(logrus.Fields{
			"type":          typ,
			"user_id":       userID,
			"stored":        report.Stored,
			"dead_lettered": report.DeadLettered,
		})
		if report.Notification != nil {
			entry = entry.WithField("notification_id", report.Notification.ID)
		}
		entry.Error("通知の配信で失敗がありました")
	}
	return report.Notification
}

// DispatchAll は通知先ごとに独立してDispatchを呼ぶ。
// ある通知先の失敗は他の通知先に影響しない。
func (d *Dispatcher) DispatchAll(ctx context.Context, typ event.Type, recipients []event.Recipient) []*notificationdb.Notification {
	notifications := make([]*notificationdb.Notification, 0, len(recipients))
	for _, r := range recipients {
		if n := d.Dispatch(ctx, typ, r.UserID, r.Data); n != nil {
			notifications = append(notifications, n)
		}
	}
	return notifications
}
