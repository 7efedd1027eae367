// Package notification は通知配信サービスの内部実装を提供する。
//
// ビジネスイベント（キャンペーン、応募、メッセージ、支払い、コンプライアンス判定など）を
// 通知レコードに変換して永続化し、接続中のユーザーにはSSEまたはWebSocketで即座に届ける。
//
// 構成要素:
//   - Registry: ユーザーごとに高々1つのライブ接続を保持する。新しい接続は古い接続を閉じて置き換える。
//   - StreamChannel: 上限付きキューを持つ送信チャネル。送信はブロックしない。
//   - Dispatcher: イベントから通知を生成し、リトライ付きで保存してからライブ配信を試みる。
//     保存できない通知はDeadLetterに退避し、Replayerが後で再投入する。
//   - Broadcaster: 通知レコードを作らずに全接続へメッセージを送る。
//   - Subscriber: NATSから届くイベントをDispatcherに渡す。
//
// 配信の失敗はイベント発行側に伝播しない。ライブ配信は高々1回、永続化は少なくとも1回。
package notification
