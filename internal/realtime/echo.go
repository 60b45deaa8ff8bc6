package realtime

import (
	"context"
	"fmt"

	"github.com/maitri/astronaut-gateway/pkg/event"
)

// EchoHandler は既定の Handler を返す。
// 接続直後に welcome を送り、ping には pong、echo には同じデータを返す。
// 未知の種類には error を返し、接続は維持する。
func EchoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, conn *Conn) error {
		identity := conn.Identity()
		welcome, err := event.New(event.TypeWelcome, event.WelcomeData{
			ConnectionID: conn.ID(),
			UserID:       identity.UserID,
			Email:        identity.Email,
			ExpiresAt:    identity.ExpiresAt,
		})
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, welcome); err != nil {
			return fmt.Errorf("welcomeの送信に失敗: %w", err)
		}

		for {
			var in event.Event
			if err := conn.Read(ctx, &in); err != nil {
				return err
			}

			out, err := reply(&in)
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, out); err != nil {
				return fmt.Errorf("応答の送信に失敗: %w", err)
			}
		}
	})
}

// reply は受け取ったメッセージへの応答を組み立てる。
func reply(in *event.Event) (*event.Event, error) {
	switch in.Type {
	case event.TypePing:
		return event.New(event.TypePong, nil)
	case event.TypeEcho:
		out, err := event.New(event.TypeEcho, nil)
		if err != nil {
			return nil, err
		}
		out.Data = in.Data
		return out, nil
	default:
		return event.New(event.TypeError, event.ErrorData{
			Message: fmt.Sprintf("unsupported message type %q", in.Type),
		})
	}
}
