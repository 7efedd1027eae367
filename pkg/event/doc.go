// Package event はマーケットプレイスで発生するビジネスイベントの種類と
// イベント固有データの型を定義する。
//
// イベント発行側（キャンペーン、応募、メッセージ、支払い、コンプライアンス）は
// ここで定義された Type と Envelope を使って通知サービスに配信を依頼する。
package event
