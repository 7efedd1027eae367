package notificationdb

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/nao1215/marketplace/pkg/event"
	"github.com/nao1215/marketplace/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

const table = "notifications"

var columns = []string{"id", "user_id", "type", "title", "message", "data", "priority", "is_read", "created_at"}

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLStore はsqlxとsquirrelで実装したStore。SQLite（sqlite）とPostgreSQL（pgx）に対応する。
type SQLStore struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
}

var _ Store = (*SQLStore)(nil)

// Open はデータベースに接続し、マイグレーションを適用したSQLStoreを返す。
// driverには "sqlite" か "pgx" を指定する。
func Open(ctx context.Context, driver, dsn string, log logrus.FieldLogger) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "データベース接続に失敗")
	}
	if driver == "sqlite" {
		// SQLiteの書き込みは直列化する。:memory: で接続ごとに別DBになるのも防ぐ。
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "データベースへの疎通確認に失敗")
	}
	if err := migration.Run(ctx, db, migrations, "migrations", log); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "マイグレーションに失敗")
	}
	return New(db), nil
}

// New は既存の接続からSQLStoreを生成する。プレースホルダはドライバ名から決める。
func New(db *sqlx.DB) *SQLStore {
	var placeholder sq.PlaceholderFormat = sq.Question
	if sqlx.BindType(db.DriverName()) == sqlx.DOLLAR {
		placeholder = sq.Dollar
	}
	return &SQLStore{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

// Close はデータベース接続を閉じる。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。ヘルスチェックで使用する。
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// row はnotificationsテーブルの1行。dataはJSON文字列で保存する。
type row struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Type      string    `db:"type"`
	Title     string    `db:"title"`
	Message   string    `db:"message"`
	Data      string    `db:"data"`
	Priority  string    `db:"priority"`
	IsRead    bool      `db:"is_read"`
	CreatedAt time.Time `db:"created_at"`
}

func (r row) toNotification() (Notification, error) {
	data := map[string]any{}
	if r.Data != "" {
		if err := json.Unmarshal([]byte(r.Data), &data); err != nil {
			return Notification{}, errors.Wrapf(err, "通知 %s のdataの解析に失敗", r.ID)
		}
	}
	return Notification{
		ID:        r.ID,
		UserID:    r.UserID,
		Type:      event.Type(r.Type),
		Title:     r.Title,
		Message:   r.Message,
		Data:      data,
		Priority:  event.Priority(r.Priority),
		IsRead:    r.IsRead,
		CreatedAt: r.CreatedAt.UTC(),
	}, nil
}

// Insert は通知を1件書き込む。同じIDの行が既にあれば何もしない。
// デッドレターからの再投入やリトライで二重に作成されないようにするため。
func (s *SQLStore) Insert(ctx context.Context, n *Notification) error {
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return &StoreError{Op: "insert", Err: errors.Wrap(err, "dataのシリアライズに失敗")}
	}

	query, args, err := s.builder.
		Insert(table).
		Columns(columns...).
		Values(n.ID, n.UserID, string(n.Type), n.Title, n.Message, string(encoded), string(n.Priority), n.IsRead, n.CreatedAt.UTC()).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return &StoreError{Op: "insert", Err: errors.Wrap(err, "INSERT文の構築に失敗")}
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &StoreError{Op: "insert", Err: errors.Wrapf(err, "通知 %s の挿入に失敗", n.ID)}
	}
	return nil
}

// Query は条件に合う通知を新しい順に返す。
func (s *SQLStore) Query(ctx context.Context, filter Filter, page Page) ([]Notification, error) {
	page = page.normalize()

	q := s.builder.Select(columns...).From(table)
	if filter.UserID != "" {
		q = q.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.Type != "" {
		q = q.Where(sq.Eq{"type": string(filter.Type)})
	}
	if filter.IsRead != nil {
		q = q.Where(sq.Eq{"is_read": *filter.IsRead})
	}
	q = q.OrderBy("created_at DESC", "id DESC").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, &StoreError{Op: "query", Err: errors.Wrap(err, "SELECT文の構築に失敗")}
	}

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, &StoreError{Op: "query", Err: errors.Wrap(err, "通知一覧の取得に失敗")}
	}

	notifications := make([]Notification, 0, len(rows))
	for _, r := range rows {
		n, err := r.toNotification()
		if err != nil {
			return nil, &StoreError{Op: "query", Err: err}
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// Get はIDで通知を1件取得する。
func (s *SQLStore) Get(ctx context.Context, id string) (*Notification, error) {
	query, args, err := s.builder.Select(columns...).From(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, &StoreError{Op: "get", Err: errors.Wrap(err, "SELECT文の構築に失敗")}
	}

	var r row
	if err := s.db.GetContext(ctx, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &StoreError{Op: "get", Err: ErrNotFound}
		}
		return nil, &StoreError{Op: "get", Err: errors.Wrapf(err, "通知 %s の取得に失敗", id)}
	}

	n, err := r.toNotification()
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}
	return &n, nil
}

// CountUnread はユーザーの未読通知数を返す。
func (s *SQLStore) CountUnread(ctx context.Context, userID string) (int, error) {
	query, args, err := s.builder.Select("COUNT(*)").From(table).
		Where(sq.Eq{"user_id": userID, "is_read": false}).
		ToSql()
	if err != nil {
		return 0, &StoreError{Op: "count_unread", Err: errors.Wrap(err, "SELECT文の構築に失敗")}
	}

	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, &StoreError{Op: "count_unread", Err: errors.Wrap(err, "未読件数の取得に失敗")}
	}
	return count, nil
}

// MarkAsRead は指定ユーザーが所有する通知を既読にする。
// 存在しない、または他ユーザーの通知であればErrNotFoundを返す。
func (s *SQLStore) MarkAsRead(ctx context.Context, id, userID string) error {
	query, args, err := s.builder.Update(table).
		Set("is_read", true).
		Where(sq.Eq{"id": id, "user_id": userID}).
		ToSql()
	if err != nil {
		return &StoreError{Op: "mark_as_read", Err: errors.Wrap(err, "UPDATE文の構築に失敗")}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &StoreError{Op: "mark_as_read", Err: errors.Wrapf(err, "通知 %s の既読化に失敗", id)}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "mark_as_read", Err: errors.Wrap(err, "更新件数の取得に失敗")}
	}
	if affected == 0 {
		return &StoreError{Op: "mark_as_read", Err: ErrNotFound}
	}
	return nil
}

// MarkAllAsRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
func (s *SQLStore) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	query, args, err := s.builder.Update(table).
		Set("is_read", true).
		Where(sq.Eq{"user_id": userID, "is_read": false}).
		ToSql()
	if err != nil {
		return 0, &StoreError{Op: "mark_all_as_read", Err: errors.Wrap(err, "UPDATE文の構築に失敗")}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &StoreError{Op: "mark_all_as_read", Err: errors.Wrap(err, "一括既読化に失敗")}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &StoreError{Op: "mark_all_as_read", Err: errors.Wrap(err, "更新件数の取得に失敗")}
	}
	return affected, nil
}
