package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestNewWithOutput はNewWithOutput関数を検証する。
func TestNewWithOutput(t *testing.T) {
	t.Parallel()

	t.Run("JSONフォーマットで構造化ログが出力されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log, err := NewWithOutput(&buf, "info", "json")
		if err != nil {
			t.Fatalf("NewWithOutput()でエラーが発生: %v", err)
		}

		log.WithField("component", "registry").Info("接続を登録しました")

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("ログのパースに失敗: %v, body=%s", err, buf.String())
		}
		if entry["component"] != "registry" {
			t.Errorf("component = %v, want registry", entry["component"])
		}
		if entry["msg"] != "接続を登録しました" {
			t.Errorf("msg = %v", entry["msg"])
		}
	})

	t.Run("設定レベル未満のログは出力されないこと", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log, err := NewWithOutput(&buf, "warn", "text")
		if err != nil {
			t.Fatalf("NewWithOutput()でエラーが発生: %v", err)
		}
		if log.GetLevel() != logrus.WarnLevel {
			t.Errorf("Level = %v, want warn", log.GetLevel())
		}

		log.Info("出力されない")
		if strings.Contains(buf.String(), "出力されない") {
			t.Error("infoログが出力されている")
		}
	})

	t.Run("不正なレベルはエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewWithOutput(&bytes.Buffer{}, "loud", "json"); err == nil {
			t.Error("NewWithOutput()がエラーを返すべき")
		}
	})

	t.Run("未対応のフォーマットはエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewWithOutput(&bytes.Buffer{}, "info", "xml"); err == nil {
			t.Error("NewWithOutput()がエラーを返すべき")
		}
	})
}
