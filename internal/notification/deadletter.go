package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	notificationdb "github.com/nao1215/marketplace/internal/notification/db"
)

// DeadLetter はリトライしても保存できなかった通知の退避先。
type DeadLetter interface {
	Put(ctx context.Context, n *notificationdb.Notification, cause error) error
}

// deadLetterRecord は退避した通知と失敗の記録。
type deadLetterRecord struct {
	Notification *notificationdb.Notification `json:"notification"`
	Cause        string                       `json:"cause"`
	FailedAt     time.Time                    `json:"failedAt"`
	Attempts     int                          `json:"attempts"`
}

// LogDeadLetter は通知の内容をエラーログに残すだけのDeadLetter。
// Redisが設定されていない場合に使う。
type LogDeadLetter struct {
	log logrus.FieldLogger
}

// NewLogDeadLetter はLogDeadLetterを生成する。
func NewLogDeadLetter(log logrus.FieldLogger) *LogDeadLetter {
	return &LogDeadLetter{log: log.WithField("component", "dead_letter")}
}

// Put は通知の全内容をログに出力する。
func (d *LogDeadLetter) Put(_ context.Context, n *notificationdb.Notification, cause error) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("デッドレターのシリアライズに失敗: %w", err)
	}
	d.log.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"user_id":         n.UserID,
		"type":            n.Type,
		"payload":         string(payload),
		"cause":           errorString(cause),
	}).Error("保存できなかった通知をデッドレターとして記録しました")
	return nil
}

// RedisDeadLetter はRedisのリストに通知を退避するDeadLetter。
// 新しいものはLPUSHで先頭に積み、Replayerが末尾から古い順に取り出す。
// 再投入を諦めたレコードは "<key>:parked" のリストに移す。
type RedisDeadLetter struct {
	client    redis.Cmdable
	key       string
	parkedKey string
}

// NewRedisDeadLetter はRedisDeadLetterを生成する。
func NewRedisDeadLetter(client redis.Cmdable, key string) *RedisDeadLetter {
	return &RedisDeadLetter{client: client, key: key, parkedKey: key + ":parked"}
}

// Put は通知をリストに積む。
func (d *RedisDeadLetter) Put(ctx context.Context, n *notificationdb.Notification, cause error) error {
	return d.push(ctx, deadLetterRecord{
		Notification: n,
		Cause:        errorString(cause),
		FailedAt:     time.Now().UTC(),
		Attempts:     1,
	})
}

// push はレコードをリストの先頭（最も新しい側）に積む。
func (d *RedisDeadLetter) push(ctx context.Context, rec deadLetterRecord) error {
	return d.lpush(ctx, d.key, rec)
}

// park は再投入を諦めたレコードを別のリストに移す。
func (d *RedisDeadLetter) park(ctx context.Context, rec deadLetterRecord) error {
	return d.lpush(ctx, d.parkedKey, rec)
}

func (d *RedisDeadLetter) lpush(ctx context.Context, key string, rec deadLetterRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("デッドレターのシリアライズに失敗: %w", err)
	}
	if err := d.client.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("デッドレターのRedisへの書き込みに失敗: %w", err)
	}
	return nil
}

// pop は最も古いレコードを取り出す。空ならnilを返す。
func (d *RedisDeadLetter) pop(ctx context.Context) (*deadLetterRecord, error) {
	payload, err := d.client.RPop(ctx, d.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("デッドレターの取り出しに失敗: %w", err)
	}

	var rec deadLetterRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("デッドレターの解析に失敗: %w", err)
	}
	return &rec, nil
}

// Len は退避中のレコード数を返す。
func (d *RedisDeadLetter) Len(ctx context.Context) (int64, error) {
	return d.llen(ctx, d.key)
}

// ParkedLen は再投入を諦めたレコード数を返す。
func (d *RedisDeadLetter) ParkedLen(ctx context.Context) (int64, error) {
	return d.llen(ctx, d.parkedKey)
}

func (d *RedisDeadLetter) llen(ctx context.Context, key string) (int64, error) {
	n, err := d.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("デッドレター件数の取得に失敗: %w", err)
	}
	return n, nil
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Replayer はRedisに退避した通知を定期的にストアへ再投入する。
type Replayer struct {
	source      *RedisDeadLetter
	store       notificationdb.Inserter
	interval    time.Duration
	maxAttempts int
	log         logrus.FieldLogger
	metrics     *Metrics
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewReplayer はReplayerを生成する。
// 試行回数がmaxAttemptsに達したレコードは再投入をやめて退避先を移す。
func NewReplayer(source *RedisDeadLetter, store notificationdb.Inserter, interval time.Duration, maxAttempts int, log logrus.FieldLogger, metrics *Metrics) *Replayer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Replayer{
		source:      source,
		store:       store,
		interval:    interval,
		maxAttempts: maxAttempts,
		log:         log.WithField("component", "replayer"),
		metrics:     metrics,
	}
}

// Start はバックグラウンドで再投入ループを開始する。
func (r *Replayer) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.log.WithField("interval", r.interval.String()).Info("デッドレターの再投入ループを開始しました")
		for {
			select {
			case <-ctx.Done():
				r.log.Info("デッドレターの再投入ループを停止しました")
				return
			case <-ticker.C:
				if n, err := r.ReplayOnce(ctx); err != nil {
					r.log.WithError(err).WithField("replayed", n).Warn("再投入できなかったデッドレターがあります")
				} else if n > 0 {
					r.log.WithField("replayed", n).Info("デッドレターを再投入しました")
				}
			}
		}
	}()
}

// Stop は再投入ループを停止し、終了を待つ。
func (r *Replayer) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// ReplayOnce は開始時点で退避中のレコードを古い順に1回ずつ処理し、再投入できた件数を返す。
// 書き込みに失敗したレコードは試行回数を増やして最も新しい側に戻すので、
// 後ろに並んだレコードの処理を妨げない。試行回数が上限に達したレコードは退避先を移す。
// 返すエラーは失敗した書き込みのエラーをまとめたもの。
func (r *Replayer) ReplayOnce(ctx context.Context) (int, error) {
	pending, err := r.source.Len(ctx)
	if err != nil {
		return 0, err
	}

	replayed := 0
	var errs []error
	for range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		rec, err := r.source.pop(ctx)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if rec == nil {
			break
		}
		if rec.Notification == nil {
			r.log.Warn("通知を含まないデッドレターを破棄しました")
			r.metrics.deadLetter("discarded")
			continue
		}

		if err := r.store.Insert(ctx, rec.Notification); err != nil {
			errs = append(errs, err)
			if requeueErr := r.requeue(context.WithoutCancel(ctx), rec, err); requeueErr != nil {
				errs = append(errs, requeueErr)
				break
			}
			continue
		}
		replayed++
		r.metrics.deadLetter("replayed")
	}
	return replayed, errors.Join(errs...)
}

// requeue は失敗したレコードを戻す。試行回数が上限に達していれば退避先を移す。
func (r *Replayer) requeue(ctx context.Context, rec *deadLetterRecord, cause error) error {
	rec.Attempts++
	rec.Cause = cause.Error()
	rec.FailedAt = time.Now().UTC()

	if rec.Attempts < r.maxAttempts {
		return r.source.push(ctx, *rec)
	}
	if err := r.source.park(ctx, *rec); err != nil {
		return err
	}
	r.metrics.deadLetter("parked")
	r.log.WithError(cause).WithFields(logrus.Fields{
		"notification_id": rec.Notification.ID,
		"user_id":         rec.Notification.UserID,
		"attempts":        rec.Attempts,
	}).Error("再投入の試行回数が上限に達したためデッドレターを隔離しました")
	return nil
}
