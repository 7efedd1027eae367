// Package httpclient は通知サービスのAPIをJSONで呼び出すクライアントを提供する。
//
// notifyctlが内部API（dispatch, broadcast）を呼び出す際に使用する。
// Bearerトークンの付与とエラーステータスの型付けを行う。
package httpclient
