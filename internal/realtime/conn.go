package realtime

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/maitri/astronaut-gateway/pkg/auth"
)

// writeTimeout は1メッセージの書き込みにかける時間の上限。
const writeTimeout = 5 * time.Second

// Conn は受け入れ済みのWebSocket接続。身元情報は接続時に確定し、以後変わらない。
type Conn struct {
	id         string
	identity   auth.Identity
	admittedAt time.Time
	ws         *websocket.Conn
}

// ID は接続IDを返す。
func (c *Conn) ID() string { return c.id }

// Identity は接続時に検証された身元情報を返す。
func (c *Conn) Identity() auth.Identity { return c.identity }

// AdmittedAt は接続を受け入れた日時を返す。
func (c *Conn) AdmittedAt() time.Time { return c.admittedAt }

// Read は次のメッセージを読み込み、JSONとしてvにデコードする。
func (c *Conn) Read(ctx context.Context, v any) error {
	return wsjson.Read(ctx, c.ws, v)
}

// Write はvをJSONとして送信する。
func (c *Conn) Write(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, v)
}

// Handler は受け入れた接続でメッセージを処理する。
// ServeConnが返ると接続は閉じられ、登録が解除される。
type Handler interface {
	ServeConn(ctx context.Context, conn *Conn) error
}

// HandlerFunc は関数を Handler として扱うアダプタ。
type HandlerFunc func(ctx context.Context, conn *Conn) error

// ServeConn はf(ctx, conn)を呼び出す。
func (f HandlerFunc) ServeConn(ctx context.Context, conn *Conn) error {
	return f(ctx, conn)
}
