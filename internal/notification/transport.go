package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// frameWriter はフレームを実際のトランスポートへ書き出す。
// 書き込みはセッションのゴルーチンからだけ行われる。
type frameWriter interface {
	WriteFrame(frame []byte) error
	WriteHeartbeat() error
}

var (
	errClientGone    = errors.New("クライアントが切断しました")
	errChannelClosed = errors.New("チャネルが閉じられました")
)

// pump はチャネルのフレームを送信順に書き出し、定期的にハートビートを送る。
// クライアントの切断、チャネルのクローズ、書き込み失敗のいずれかで終了し、その理由を返す。
func pump(ctx context.Context, ch *StreamChannel, w frameWriter, heartbeat time.Duration) error {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errClientGone
		case <-ch.Done():
			return errChannelClosed
		case frame := <-ch.Frames():
			// Closeと同時に受け取った場合も書かない
			select {
			case <-ch.Done():
				return errChannelClosed
			default:
			}
			if err := w.WriteFrame(frame); err != nil {
				return &ChannelError{Op: "write", Err: err}
			}
		case <-ticker.C:
			if err := w.WriteHeartbeat(); err != nil {
				return &ChannelError{Op: "heartbeat", Err: err}
			}
		}
	}
}

// session は1本のストリーミング接続の生存期間を管理する。
type session struct {
	registry  *Registry
	heartbeat time.Duration
	buffer    int
	log       logrus.FieldLogger
}

// run はconnectedフレームを積んでから接続を登録し、終了するまでフレームを書き出す。
// 終了時は自分の登録だけを解除してチャネルを閉じる。戻った後に書き込みは行わない。
func (s *session) run(ctx context.Context, userID, transport string, w frameWriter) {
	ch := NewStreamChannel(s.buffer)
	_ = ch.Send(encodeConnected(time.Now()))

	conn := s.registry.Register(userID, ch)
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "transport": transport})
	log.Info("ライブ接続を開始しました")

	reason := pump(ctx, ch, w, s.heartbeat)
	conn.Release()

	entry := log.WithField("reason", reason.Error())
	var chErr *ChannelError
	if errors.As(reason, &chErr) {
		entry.Warn("書き込みに失敗したためライブ接続を終了しました")
		return
	}
	entry.Info("ライブ接続を終了しました")
}

// sseWriter はServer-Sent Eventsでフレームを書き出す。
type sseWriter struct {
	c  *gin.Context
	rc *http.ResponseController
}

func newSSEWriter(c *gin.Context) *sseWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	return &sseWriter{c: c, rc: http.NewResponseController(c.Writer)}
}

// WriteFrame はフレームを1つのmessageイベントとして書き出す。
// フレームは改行を含まないJSONなので1行のdataに収まる。
func (w *sseWriter) WriteFrame(frame []byte) error {
	if _, err := fmt.Fprintf(w.c.Writer, "event: message\ndata: %s\n\n", frame); err != nil {
		return err
	}
	return w.rc.Flush()
}

// WriteHeartbeat はクライアントに無視されるコメント行を書き出す。
func (w *sseWriter) WriteHeartbeat() error {
	if _, err := fmt.Fprint(w.c.Writer, ": ping\n\n"); err != nil {
		return err
	}
	return w.rc.Flush()
}

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 512
)

// wsWriter はWebSocketのテキストメッセージでフレームを書き出す。
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) WriteFrame(frame []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *wsWriter) WriteHeartbeat() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// readUntilClosed はクライアントからのメッセージを読み捨て、読み込みエラー（切断）でcancelを呼ぶ。
// Pongを受け取るたびに読み込み期限を延ばし、応答のないクライアントを切断扱いにする。
func readUntilClosed(conn *websocket.Conn, heartbeat time.Duration, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(wsMaxMessageSize)
	deadline := func() time.Time { return time.Now().Add(2*heartbeat + wsWriteWait) }
	_ = conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
