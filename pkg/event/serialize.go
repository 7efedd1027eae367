package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ToContext は型付きのイベントデータをコンテキストデータ（map）に変換する。
// 通知レコードのdataとしてそのまま保存・配信できる形になる。
func ToContext(data any) (map[string]any, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	ctx := map[string]any{}
	if err := json.Unmarshal(jsonData, &ctx); err != nil {
		return nil, fmt.Errorf("イベントデータのmap変換に失敗: %w", err)
	}
	return ctx, nil
}

// DecodeData はコンテキストデータを指定された型にデシリアライズする。
// 存在しないキーはゼロ値のままになる。
// 型の合わない値があった場合は*json.UnmarshalTypeErrorを包んだエラーを返すが、
// そのフィールド以外を読み取った値も併せて返す。
func DecodeData[T any](data map[string]any) (*T, error) {
	var decoded T
	if len(data) == 0 {
		return &decoded, nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("コンテキストデータのシリアライズに失敗: %w", err)
	}
	if err := json.Unmarshal(jsonData, &decoded); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &decoded, fmt.Errorf("コンテキストデータのデシリアライズに失敗: %w", err)
		}
		return nil, fmt.Errorf("コンテキストデータのデシリアライズに失敗: %w", err)
	}
	return &decoded, nil
}
