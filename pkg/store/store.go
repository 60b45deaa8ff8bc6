// Package store はゲートウェイ自身が必要とする永続化層を提供する。
//
// 接続文字列のスキームからSQLiteとPostgreSQLを切り替え、
// 接続確認とマイグレーションが完了した状態のストアを返す。
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/maitri/astronaut-gateway/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound はレコードが存在しないことを表す。
var ErrNotFound = errors.New("レコードが見つかりません")

// Astronaut はゲートウェイに登録された宇宙飛行士のレコード。
type Astronaut struct {
	ID             string `json:"id"`
	Provider       string `json:"provider"`
	ProviderUserID string `json:"provider_user_id"`
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
}

// UpsertAstronautParams は UpsertAstronaut の引数。
type UpsertAstronautParams struct {
	Provider       string
	ProviderUserID string
	Email          string
	DisplayName    string
}

// Store はデータベース接続を保持する。並行呼び出しに対して安全。
type Store struct {
	db      *sql.DB
	dialect Dialect
	bind    migration.Placeholder
}

// Open は接続文字列に対応するドライバで接続し、接続確認とマイグレーションを行う。
// いずれかに失敗した場合は接続を閉じてエラーを返す。
func Open(ctx context.Context, rawDSN string, logger *slog.Logger) (*Store, error) {
	dsn, err := ParseDSN(rawDSN)
	if err != nil {
		return nil, fmt.Errorf("接続文字列の解析に失敗: %w", err)
	}

	db, err := sql.Open(dsn.Driver, dsn.Source)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if dsn.Dialect == DialectSQLite {
		// SQLiteは書き込みが直列化されるため接続を1本に限定する。
		// インメモリDBでは接続ごとに別のDBになるため必須。
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dialect: dsn.Dialect, bind: migration.Question}
	if dsn.Dialect == DialectPostgres {
		s.bind = migration.Dollar
	}

	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	versions, err := migration.Run(ctx, db, migrations, "migrations", s.bind, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	logger.InfoContext(ctx, "データベースに接続しました",
		slog.String("dialect", string(dsn.Dialect)),
		slog.Bool("memory", dsn.Memory()),
		slog.Int("applied_migrations", len(versions)),
	)
	return s, nil
}

// Dialect は接続先データベースの種類を返す。
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	return nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertAstronaut はプロバイダとプロバイダ側IDで宇宙飛行士を作成または更新する。
// 既に存在する場合はメールアドレスと表示名、最終ログイン日時を更新し、既存のIDを返す。
func (s *Store) UpsertAstronaut(ctx context.Context, p UpsertAstronautParams) (Astronaut, error) {
	query := fmt.Sprintf(`
		INSERT INTO astronauts (id, provider, provider_user_id, email, display_name)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (provider, provider_user_id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			last_login_at = CURRENT_TIMESTAMP
		RETURNING id`,
		s.bind(1), s.bind(2), s.bind(3), s.bind(4), s.bind(5),
	)

	a := Astronaut{
		Provider:       p.Provider,
		ProviderUserID: p.ProviderUserID,
		Email:          p.Email,
		DisplayName:    p.DisplayName,
	}
	err := s.db.QueryRowContext(ctx, query,
		uuid.New().String(), p.Provider, p.ProviderUserID, p.Email, p.DisplayName,
	).Scan(&a.ID)
	if err != nil {
		return Astronaut{}, fmt.Errorf("宇宙飛行士の登録に失敗: %w", err)
	}
	return a, nil
}

// GetAstronaut はIDで宇宙飛行士を取得する。存在しない場合は ErrNotFound を返す。
func (s *Store) GetAstronaut(ctx context.Context, id string) (Astronaut, error) {
	query := `SELECT id, provider, provider_user_id, email, display_name FROM astronauts WHERE id = ` + s.bind(1)

	var a Astronaut
	err := s.db.QueryRowContext(ctx, query, id).Scan(&a.ID, &a.Provider, &a.ProviderUserID, &a.Email, &a.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return Astronaut{}, ErrNotFound
	}
	if err != nil {
		return Astronaut{}, fmt.Errorf("宇宙飛行士の取得に失敗: %w", err)
	}
	return a, nil
}
