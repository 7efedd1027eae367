package notification

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nao1215/marketplace/internal/config"
	"github.com/nao1215/marketplace/pkg/event"
	"github.com/nao1215/marketplace/pkg/logger"
	"github.com/nao1215/marketplace/pkg/middleware"
)

const testSecret = "test-secret"

// setupTestServer はテスト用の通知サーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Config{
		Port:                     "0",
		DatabaseDriver:           "sqlite",
		DatabaseURL:              ":memory:",
		JWTSecret:                testSecret,
		FrontendURL:              "http://localhost:3000",
		HeartbeatInterval:        time.Hour,
		ChannelBuffer:            16,
		StoreRetries:             0,
		StoreRetryBackoff:        time.Millisecond,
		DeadLetterReplayInterval: time.Minute,
	}
	s, err := NewServer(t.Context(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("テストサーバーの構築に失敗: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// tokenFor はテスト用のJWTを発行するヘルパー関数。
func tokenFor(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := middleware.GenerateJWT(testSecret, userID, userID+"@example.com", role)
	if err != nil {
		t.Fatalf("JWTの生成に失敗: %v", err)
	}
	return token
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("レスポンスのJSON解析に失敗: %v: %s", err, w.Body.String())
	}
	return result
}

func parseJSONArray(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var result []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("レスポンスのJSON配列解析に失敗: %v: %s", err, w.Body.String())
	}
	return result
}

// dispatch はディスパッチャ経由で通知を作成するヘルパー関数。
func dispatch(t *testing.T, s *Server, typ event.Type, userID string, data map[string]any) string {
	t.Helper()
	n := s.Dispatcher().Dispatch(t.Context(), typ, userID, data)
	if n == nil {
		t.Fatalf("通知の作成に失敗: %s %s", typ, userID)
	}
	return n.ID
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	w := doRequest(s.Handler(), http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	body := parseJSON(t, w)
	if body["status"] != "ok" || body["service"] != "notification" {
		t.Errorf("body = %v", body)
	}
	if body["connections"] != float64(0) {
		t.Errorf("connections = %v, want 0", body["connections"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	dispatch(t, s, event.TypeNewMessage, "user-a", nil)

	w := doRequest(s.Handler(), http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d", w.Code)
	}
	for _, want := range []string{
		"notification_live_connections",
		`notification_dispatched_total{outcome="stored",type="NEW_MESSAGE"} 1`,
		`notification_live_deliveries_total{outcome="offline"} 1`,
	} {
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("メトリクスに %q が含まれていない", want)
		}
	}
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)

	t.Run("トークンが無い場合は401を返すこと", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("別の鍵で署名したトークンは401を返すこと", func(t *testing.T) {
		t.Parallel()

		token, err := middleware.GenerateJWT("other-secret", "user-a", "", "user")
		if err != nil {
			t.Fatal(err)
		}
		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications", token, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

func TestHandleListNotifications(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	dispatch(t, s, event.TypePaymentUpdate, "user-a", map[string]any{"status": "RELEASED"})
	dispatch(t, s, event.TypeNewMessage, "user-a", map[string]any{"senderName": "Brand"})
	dispatch(t, s, event.TypeNewReview, "user-b", nil)
	token := tokenFor(t, "user-a", "user")

	t.Run("自分の通知だけが新しい順に返ること", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, body = %s", w.Code, w.Body.String())
		}
		list := parseJSONArray(t, w)
		if len(list) != 2 {
			t.Fatalf("件数 = %d, want 2", len(list))
		}
		for _, n := range list {
			if n["userId"] != "user-a" {
				t.Errorf("他ユーザーの通知が含まれている: %v", n)
			}
		}
	})

	t.Run("種別で絞り込めること", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications?type=PAYMENT_UPDATE", token, nil)
		list := parseJSONArray(t, w)
		if len(list) != 1 {
			t.Fatalf("件数 = %d, want 1", len(list))
		}
		if list[0]["title"] != "Payment Received" || list[0]["priority"] != "HIGH" {
			t.Errorf("notification = %v", list[0])
		}
		data, _ := list[0]["data"].(map[string]any)
		if data["status"] != "RELEASED" {
			t.Errorf("data = %v", list[0]["data"])
		}
	})

	t.Run("limitで件数を制限できること", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications?limit=1", token, nil)
		if list := parseJSONArray(t, w); len(list) != 1 {
			t.Errorf("件数 = %d, want 1", len(list))
		}
	})

	t.Run("不正なクエリは400を返すこと", func(t *testing.T) {
		t.Parallel()

		for _, q := range []string{"type=UNKNOWN", "is_read=maybe", "limit=0", "offset=-1"} {
			w := doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications?"+q, token, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%s: ステータスコード = %d, want %d", q, w.Code, http.StatusBadRequest)
			}
		}
	})

	t.Run("通知が無い場合は空配列を返すこと", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications", tokenFor(t, "user-z", "user"), nil)
		if strings.TrimSpace(w.Body.String()) != "[]" {
			t.Errorf("body = %s, want []", w.Body.String())
		}
	})
}

func TestHandleReadState(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	first := dispatch(t, s, event.TypeContractUpdate, "user-a", map[string]any{"status": "SENT"})
	dispatch(t, s, event.TypeNewMessage, "user-a", nil)
	dispatch(t, s, event.TypeNewMessage, "user-a", nil)
	others := dispatch(t, s, event.TypeNewMessage, "user-b", nil)
	token := tokenFor(t, "user-a", "user")

	countUnread := func() float64 {
		t.Helper()
		w := doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications/unread/count", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d", w.Code)
		}
		count, _ := parseJSON(t, w)["count"].(float64)
		return count
	}

	if got := countUnread(); got != 3 {
		t.Fatalf("未読件数 = %v, want 3", got)
	}

	w := doRequest(s.Handler(), http.MethodPut, "/api/v1/notifications/"+first+"/read", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("既読: ステータスコード = %d, body = %s", w.Code, w.Body.String())
	}
	if got := countUnread(); got != 2 {
		t.Errorf("既読後の未読件数 = %v, want 2", got)
	}

	w = doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications/unread", token, nil)
	for _, n := range parseJSONArray(t, w) {
		if n["id"] == first || n["isRead"] != false {
			t.Errorf("既読の通知が未読一覧に含まれている: %v", n)
		}
	}

	w = doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications?is_read=true", token, nil)
	if list := parseJSONArray(t, w); len(list) != 1 || list[0]["id"] != first {
		t.Errorf("既読一覧 = %v", list)
	}

	w = doRequest(s.Handler(), http.MethodPut, "/api/v1/notifications/"+others+"/read", token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("他ユーザーの通知: ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
	}
	w = doRequest(s.Handler(), http.MethodPut, "/api/v1/notifications/missing/read", token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("存在しない通知: ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = doRequest(s.Handler(), http.MethodPut, "/api/v1/notifications/read-all", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("全既読: ステータスコード = %d", w.Code)
	}
	if updated := parseJSON(t, w)["updated"]; updated != float64(2) {
		t.Errorf("updated = %v, want 2", updated)
	}
	if got := countUnread(); got != 0 {
		t.Errorf("全既読後の未読件数 = %v, want 0", got)
	}

	// 他ユーザーの通知は影響を受けない
	w = doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications/unread/count", tokenFor(t, "user-b", "user"), nil)
	if count := parseJSON(t, w)["count"]; count != float64(1) {
		t.Errorf("user-bの未読件数 = %v, want 1", count)
	}
}

func TestHandleDispatch(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	serviceToken := tokenFor(t, "billing", "service")

	t.Run("通知先ごとに通知を作成して202を返すこと", func(t *testing.T) {
		t.Parallel()

		body := event.Envelope{
			Type: event.TypeApplicationUpdate,
			Recipients: []event.Recipient{
				{UserID: "dispatch-a", Data: map[string]any{"status": "SHORTLISTED"}},
				{UserID: "dispatch-b", Data: map[string]any{"status": "HIRED"}},
			},
		}
		w := doRequest(s.Handler(), http.MethodPost, "/api/v1/internal/dispatch", serviceToken, body)
		if w.Code != http.StatusAccepted {
			t.Fatalf("ステータスコード = %d, body = %s", w.Code, w.Body.String())
		}
		ids, _ := parseJSON(t, w)["ids"].([]any)
		if len(ids) != 2 {
			t.Fatalf("ids = %v", ids)
		}

		w = doRequest(s.Handler(), http.MethodGet, "/api/v1/notifications", tokenFor(t, "dispatch-b", "user"), nil)
		list := parseJSONArray(t, w)
		if len(list) != 1 || list[0]["message"] != "Great news! You've been hired for this campaign" {
			t.Errorf("list = %v", list)
		}
	})

	t.Run("一般ユーザーは403を返すこと", func(t *testing.T) {
		t.Parallel()

		body := event.Envelope{Type: event.TypeNewMessage, Recipients: []event.Recipient{{UserID: "x"}}}
		w := doRequest(s.Handler(), http.MethodPost, "/api/v1/internal/dispatch", tokenFor(t, "user-a", "user"), body)
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("不正なイベントは400を返すこと", func(t *testing.T) {
		t.Parallel()

		bodies := []any{
			map[string]any{"type": "UNKNOWN", "recipients": []any{map[string]any{"userId": "x"}}},
			map[string]any{"type": "NEW_MESSAGE", "recipients": []any{}},
			map[string]any{"type": "NEW_MESSAGE"},
			"not an object",
		}
		for _, body := range bodies {
			w := doRequest(s.Handler(), http.MethodPost, "/api/v1/internal/dispatch", serviceToken, body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%v: ステータスコード = %d, want %d", body, w.Code, http.StatusBadRequest)
			}
		}
	})
}

func TestHandleBroadcast(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	adminToken := tokenFor(t, "ops", "admin")

	included := &fakeChannel{}
	excluded := &fakeChannel{}
	s.registry.Register("user-a", included)
	s.registry.Register("user-b", excluded)

	w := doRequest(s.Handler(), http.MethodPost, "/api/v1/internal/broadcast", adminToken,
		map[string]any{"message": map[string]any{"type": "SYSTEM", "text": "maintenance"}, "excludeUserId": "user-b"})
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, body = %s", w.Code, w.Body.String())
	}
	result := parseJSON(t, w)
	if result["delivered"] != float64(1) || result["failed"] != float64(0) {
		t.Errorf("result = %v", result)
	}
	if len(included.sent()) != 1 || len(excluded.sent()) != 0 {
		t.Errorf("included = %d, excluded = %d", len(included.sent()), len(excluded.sent()))
	}

	w = doRequest(s.Handler(), http.MethodPost, "/api/v1/internal/broadcast", adminToken, map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("messageなし: ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// readSSEData はSSEストリームから次のmessageイベントのdataを読み出す。
func readSSEData(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("SSEの読み込みに失敗: %v", err)
		}
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			return decodeFrame(t, []byte(data))
		}
	}
}

func TestHandleStream(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet,
		ts.URL+"/api/v1/notifications/stream?token="+tokenFor(t, "user-a", "user"), http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("SSE接続に失敗: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ステータスコード = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if frame := readSSEData(t, r); frame["type"] != frameTypeConnected {
		t.Fatalf("最初のフレーム = %v", frame)
	}

	id := dispatch(t, s, event.TypePaymentUpdate, "user-a", map[string]any{"status": "RELEASED"})
	frame := readSSEData(t, r)
	if frame["id"] != id || frame["title"] != "Payment Received" || frame["priority"] != "HIGH" {
		t.Errorf("frame = %v", frame)
	}

	resp.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for s.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("切断後も接続が登録されたまま")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleWebSocket(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/notifications/ws?token=" + tokenFor(t, "user-a", "user")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket接続に失敗: %v", err)
	}
	defer conn.Close()
	if resp.Body != nil {
		resp.Body.Close()
	}

	readFrame := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("メッセージの読み込みに失敗: %v", err)
		}
		return decodeFrame(t, msg)
	}

	if frame := readFrame(); frame["type"] != frameTypeConnected {
		t.Fatalf("最初のフレーム = %v", frame)
	}

	dispatch(t, s, event.TypeComplianceRejected, "user-a", map[string]any{"violations": []any{"missing #ad"}})
	frame := readFrame()
	if frame["type"] != string(event.TypeComplianceRejected) || frame["priority"] != "HIGH" {
		t.Errorf("frame = %v", frame)
	}
	if frame["message"] != "Your content was rejected for compliance violations: missing #ad" {
		t.Errorf("message = %v", frame["message"])
	}

	t.Run("許可されていないOriginは拒否されること", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://evil.example"}}
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		if err == nil {
			t.Fatal("接続できてしまった")
		}
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusForbidden {
				t.Errorf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusForbidden)
			}
		}
	})
}

func TestCloseStreams(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	openStream := func() *http.Response {
		t.Helper()
		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		t.Cleanup(cancel)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			ts.URL+"/api/v1/notifications/stream?token="+tokenFor(t, "user-a", "user"), http.NoBody)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("SSE接続に失敗: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := openStream()
	r := bufio.NewReader(resp.Body)
	if frame := readSSEData(t, r); frame["type"] != frameTypeConnected {
		t.Fatalf("最初のフレーム = %v", frame)
	}

	s.closeStreams()

	t.Run("確立済みのストリームが終了すること", func(t *testing.T) {
		if _, err := io.ReadAll(r); err != nil {
			t.Errorf("ストリームが終了しない: %v", err)
		}
	})

	t.Run("停止後に確立したストリームもすぐに終了すること", func(t *testing.T) {
		late := openStream()
		if _, err := io.ReadAll(late.Body); err != nil {
			t.Errorf("停止後のストリームが終了しない: %v", err)
		}
		if s.registry.Len() != 0 {
			t.Errorf("Len() = %d, want 0", s.registry.Len())
		}
	})
}
