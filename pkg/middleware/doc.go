// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証（ヘッダーまたはクエリのトークン）、役割による認可、
// logrusによるアクセスログとパニックリカバリ、CORS設定を含む。
package middleware
