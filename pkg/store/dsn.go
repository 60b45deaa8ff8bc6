package store

import (
	"errors"
	"fmt"
	"strings"
)

// Dialect は接続先データベースの種類を表す。
type Dialect string

const (
	// DialectSQLite はSQLite（modernc.org/sqlite）。
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres はPostgreSQL（pgx）。
	DialectPostgres Dialect = "postgres"
)

var (
	// ErrEmptyDSN は接続文字列が空であることを表す。
	ErrEmptyDSN = errors.New("接続文字列が空です")
	// ErrUnsupportedScheme は接続文字列のスキームが未対応であることを表す。
	ErrUnsupportedScheme = errors.New("未対応の接続文字列スキームです")
)

// DSN は解析済みの接続文字列。
type DSN struct {
	// Dialect はデータベースの種類。
	Dialect Dialect
	// Driver はdatabase/sqlに登録されたドライバ名。
	Driver string
	// Source はドライバに渡すデータソース名。
	Source string
}

// Memory はインメモリSQLiteかどうかを返す。
func (d DSN) Memory() bool {
	return d.Dialect == DialectSQLite && (d.Source == ":memory:" || strings.Contains(d.Source, "mode=memory"))
}

// ParseDSN は接続文字列を解析し、使用するドライバを決定する。
// 対応するスキームは sqlite://, file:, postgres://, postgresql:// のみ。
func ParseDSN(raw string) (DSN, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DSN{}, ErrEmptyDSN
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "sqlite://"):
		source := raw[len("sqlite://"):]
		if source == "" {
			return DSN{}, fmt.Errorf("%w: SQLiteのパスが空です", ErrUnsupportedScheme)
		}
		return DSN{Dialect: DialectSQLite, Driver: "sqlite", Source: source}, nil
	case strings.HasPrefix(lower, "file:"):
		return DSN{Dialect: DialectSQLite, Driver: "sqlite", Source: raw}, nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DSN{Dialect: DialectPostgres, Driver: "pgx", Source: raw}, nil
	default:
		scheme, _, _ := strings.Cut(raw, ":")
		return DSN{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// Redact はパスワードを伏せた接続文字列を返す。ログ出力用。
func Redact(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	user, _, hasPassword := strings.Cut(userinfo, ":")
	if !hasPassword {
		return raw
	}
	return scheme + "://" + user + ":xxxxx@" + host
}
