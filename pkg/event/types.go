// Package event はリアルタイム接続でやり取りするメッセージの封筒（エンベロープ）を定義する。
package event

import (
	"encoding/json"
	"time"
)

// Type はメッセージの種類を表す。
type Type string

const (
	// TypeWelcome は接続の受け入れ直後にサーバーから送る挨拶メッセージ。
	TypeWelcome Type = "welcome"
	// TypePing はクライアントからの生存確認。
	TypePing Type = "ping"
	// TypePong は TypePing への応答。
	TypePong Type = "pong"
	// TypeEcho はクライアントから受け取ったデータをそのまま返すメッセージ。
	TypeEcho Type = "echo"
	// TypeError は処理できないメッセージを受け取ったことを通知する。
	TypeError Type = "error"
)

// Event はリアルタイム接続上の1メッセージを表す。
type Event struct {
	// ID はメッセージの一意識別子（UUID）。
	ID string `json:"id"`
	// Type はメッセージの種類。
	Type Type `json:"type"`
	// Data はメッセージ固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data,omitempty"`
	// CreatedAt はメッセージの生成日時。
	CreatedAt time.Time `json:"created_at"`
}

// WelcomeData は TypeWelcome のデータ。
type WelcomeData struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ErrorData は TypeError のデータ。
type ErrorData struct {
	Message string `json:"message"`
}
