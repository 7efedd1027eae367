// notifyctl は通知サービスの内部APIを呼び出す運用ツール。
//
//	notifyctl dispatch --type PAYMENT_UPDATE --user user-a --data '{"status":"RELEASED"}'
//	notifyctl broadcast --message '{"type":"SYSTEM","text":"maintenance at 02:00"}' --exclude admin-1
//
// トークンは --token か NOTIFY_TOKEN で渡す。--secret を指定した場合はserviceロールのトークンを発行して使う。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/DavidGamba/go-getoptions"

	"github.com/nao1215/marketplace/pkg/event"
	"github.com/nao1215/marketplace/pkg/httpclient"
	"github.com/nao1215/marketplace/pkg/middleware"
)

// options はコマンドライン引数の値。
type options struct {
	Command string
	URL     string
	Token   string
	Secret  string
	Type    string
	Users   []string
	Data    string
	Message string
	Exclude string
	Timeout time.Duration
}

var errUsage = errors.New("使い方が正しくありません")

// parseCommandLine は引数を解析する。helpが指定された場合はヘルプを出力してnilを返す。
func parseCommandLine(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	opt := getoptions.New()

	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.StringVar(&o.URL, "url", envOr("NOTIFY_URL", "http://localhost:8086"),
		opt.Description("通知サービスのベースURL"))
	opt.StringVar(&o.Token, "token", os.Getenv("NOTIFY_TOKEN"),
		opt.Description("Bearerトークン"))
	opt.StringVar(&o.Secret, "secret", "",
		opt.Description("JWTの秘密鍵（指定するとserviceロールのトークンを発行する）"))
	opt.StringVar(&o.Type, "type", "", opt.Alias("t"),
		opt.Description("dispatch: イベント種別"))
	opt.StringSliceVar(&o.Users, "user", 1, 99, opt.Alias("u"),
		opt.Description("dispatch: 通知先ユーザーID（複数指定可）"))
	opt.StringVar(&o.Data, "data", "{}", opt.Alias("d"),
		opt.Description("dispatch: コンテキストデータ（JSON）"))
	opt.StringVar(&o.Message, "message", "", opt.Alias("m"),
		opt.Description("broadcast: 送信するメッセージ（JSON）"))
	opt.StringVar(&o.Exclude, "exclude", "",
		opt.Description("broadcast: 除外するユーザーID"))
	var timeout string
	opt.StringVar(&timeout, "timeout", "10s",
		opt.Description("リクエストのタイムアウト（例: 10s, 1m）"))

	remaining, err := opt.Parse(args)
	if opt.Called("help") {
		fmt.Fprint(stderr, opt.Help())
		return nil, nil
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n\n", err)
		fmt.Fprint(stderr, opt.Help(getoptions.HelpSynopsis))
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if len(remaining) != 1 {
		fmt.Fprint(stderr, opt.Help(getoptions.HelpSynopsis))
		return nil, fmt.Errorf("%w: サブコマンド（dispatch または broadcast）を1つ指定してください", errUsage)
	}
	o.Command = remaining[0]

	o.Timeout, err = time.ParseDuration(timeout)
	if err != nil || o.Timeout <= 0 {
		fmt.Fprint(stderr, opt.Help(getoptions.HelpSynopsis))
		return nil, fmt.Errorf("%w: --timeout が不正です: %q", errUsage, timeout)
	}
	return o, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newClient はトークンを解決してHTTPクライアントを生成する。
func newClient(o *options) (*httpclient.Client, error) {
	token := o.Token
	if o.Secret != "" {
		t, err := middleware.GenerateJWT(o.Secret, "notifyctl", "", "service")
		if err != nil {
			return nil, err
		}
		token = t
	}
	if token == "" {
		return nil, fmt.Errorf("%w: --token か --secret が必要です", errUsage)
	}
	return httpclient.New(o.URL, httpclient.WithToken(token), httpclient.WithTimeout(o.Timeout)), nil
}

// run はサブコマンドを実行し、レスポンスをoutに書き出す。
func run(ctx context.Context, o *options, client *httpclient.Client, out io.Writer) error {
	var result any
	switch o.Command {
	case "dispatch":
		env, err := buildEnvelope(o)
		if err != nil {
			return err
		}
		if err := client.PostJSON(ctx, "/api/v1/internal/dispatch", env, &result); err != nil {
			return fmt.Errorf("配信依頼に失敗: %w", err)
		}
	case "broadcast":
		var message map[string]any
		if err := json.Unmarshal([]byte(o.Message), &message); err != nil {
			return fmt.Errorf("%w: --message がJSONオブジェクトではありません: %v", errUsage, err)
		}
		body := map[string]any{"message": message, "excludeUserId": o.Exclude}
		if err := client.PostJSON(ctx, "/api/v1/internal/broadcast", body, &result); err != nil {
			return fmt.Errorf("ブロードキャストに失敗: %w", err)
		}
	default:
		return fmt.Errorf("%w: 未知のサブコマンド %q", errUsage, o.Command)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// buildEnvelope はdispatchの引数から配信依頼を組み立てる。
func buildEnvelope(o *options) (event.Envelope, error) {
	typ := event.Type(o.Type)
	if !typ.Valid() {
		return event.Envelope{}, fmt.Errorf("%w: 未知のイベント種別 %q", errUsage, o.Type)
	}
	if len(o.Users) == 0 {
		return event.Envelope{}, fmt.Errorf("%w: --user を1つ以上指定してください", errUsage)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(o.Data), &data); err != nil {
		return event.Envelope{}, fmt.Errorf("%w: --data がJSONオブジェクトではありません: %v", errUsage, err)
	}

	recipients := make([]event.Recipient, 0, len(o.Users))
	for _, u := range o.Users {
		recipients = append(recipients, event.Recipient{UserID: u, Data: data})
	}
	return event.Envelope{Type: typ, Recipients: recipients}, nil
}

func main() {
	o, err := parseCommandLine(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}
	if o == nil {
		return
	}

	client, err := newClient(o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.Timeout)
	defer cancel()
	if err := run(ctx, o, client, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
