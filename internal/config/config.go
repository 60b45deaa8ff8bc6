// Package config はゲートウェイの設定を読み込み、検証する。
//
// 設定は任意のYAMLファイルと環境変数から組み立てる。両方に値がある場合は環境変数を優先する。
// 読み込んだ Config は以後変更しない。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maitri/astronaut-gateway/pkg/middleware"
	"github.com/maitri/astronaut-gateway/pkg/store"
)

// ErrInvalid は設定値が不正であることを表す。
var ErrInvalid = errors.New("設定が不正です")

// 既定値。
const (
	DefaultPort             = 3000
	DefaultTokenTTL         = 24 * time.Hour
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
)

// 環境変数名。
const (
	EnvPort             = "PORT"
	EnvDatabaseURL      = "DATABASE_URL"
	EnvDatabaseRequired = "DATABASE_REQUIRED"
	EnvJWTSecret        = "JWT_SECRET"
	EnvJWTSecrets       = "JWT_SECRETS"
	EnvTokenTTL         = "TOKEN_TTL"
	EnvHandshakeTimeout = "HANDSHAKE_TIMEOUT"
	EnvShutdownTimeout  = "SHUTDOWN_TIMEOUT"
	EnvCallerMarkers    = "CALLER_MARKERS"
	EnvCORSOrigins      = "CORS_ORIGINS"
	EnvRedisURL         = "REDIS_URL"
	EnvDevTokens        = "DEV_TOKENS"
	EnvConfigFile       = "GATEWAY_CONFIG"
)

// LookupFunc は環境変数を参照する関数。os.LookupEnv と同じ形式。
type LookupFunc func(key string) (string, bool)

// Config はゲートウェイの設定。
type Config struct {
	// Port はリッスンポート。0の場合はOSが空きポートを割り当てる。
	Port int
	// DatabaseURL は永続化層の接続文字列。
	DatabaseURL string
	// DatabaseRequired が true の場合、DatabaseURL が無いと起動しない。
	DatabaseRequired bool
	// JWTSecrets はトークン検証用の秘密鍵。先頭の鍵でトークンを署名する。
	JWTSecrets []string
	// TokenTTL は発行するトークンの有効期間。
	TokenTTL time.Duration
	// HandshakeTimeout はソケット接続時の検証にかける時間の上限。
	HandshakeTimeout time.Duration
	// ShutdownTimeout は終了時に処理中のリクエストを待つ時間の上限。
	ShutdownTimeout time.Duration
	// CallerMarkers は認定端末を示すヘッダー名。
	CallerMarkers []string
	// CORSOrigins は許可するオリジン。"*" は全許可。
	CORSOrigins []string
	// RedisURL はトークン失効情報の保存先。空の場合はメモリに保存する。
	RedisURL string
	// DevTokens が true の場合、開発用トークンの発行を有効にする。
	DevTokens bool
	// Warnings は起動を止めない設定上の問題。いずれも ErrInvalid をラップしている。
	Warnings []error
}

// Addr はリッスンアドレスを返す。
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// SigningSecret はトークンの署名に使用する秘密鍵を返す。
func (c Config) SigningSecret() string {
	if len(c.JWTSecrets) == 0 {
		return ""
	}
	return c.JWTSecrets[0]
}

// fileConfig はYAML設定ファイルの構造。
type fileConfig struct {
	Port             *int     `yaml:"port"`
	DatabaseURL      string   `yaml:"database_url"`
	DatabaseRequired *bool    `yaml:"database_required"`
	JWTSecrets       []string `yaml:"jwt_secrets"`
	TokenTTL         string   `yaml:"token_ttl"`
	HandshakeTimeout string   `yaml:"handshake_timeout"`
	ShutdownTimeout  string   `yaml:"shutdown_timeout"`
	CallerMarkers    []string `yaml:"caller_markers"`
	CORSOrigins      []string `yaml:"cors_origins"`
	RedisURL         string   `yaml:"redis_url"`
	DevTokens        *bool    `yaml:"dev_tokens"`
}

// Default は既定値で埋めた設定を返す。秘密鍵は含まない。
func Default() Config {
	return Config{
		Port:             DefaultPort,
		DatabaseRequired: true,
		TokenTTL:         DefaultTokenTTL,
		HandshakeTimeout: DefaultHandshakeTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
		CallerMarkers:    append([]string(nil), middleware.DefaultCallerMarkers...),
		CORSOrigins:      []string{"*"},
	}
}

// Load は設定ファイルと環境変数から設定を読み込んで検証する。
// pathが空の場合は GATEWAY_CONFIG が指すファイルを使用し、それも無ければファイルは読まない。
// 起動を継続できない問題は ErrInvalid をラップしたエラーとして返し、
// 継続できる問題は Config.Warnings に格納する。
func Load(lookup LookupFunc, path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = get(lookup, EnvConfigFile)
	}
	if path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := cfg.applyFile(fc); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readFile はYAML設定ファイルを読み込む。
func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fc, fmt.Errorf("%w: 設定ファイルの読み込みに失敗: %w", ErrInvalid, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("%w: 設定ファイルの解析に失敗: %w", ErrInvalid, err)
	}
	return fc, nil
}

// applyFile は設定ファイルの値を反映する。
func (c *Config) applyFile(fc fileConfig) error {
	if fc.Port != nil {
		c.Port = *fc.Port
	}
	if fc.DatabaseURL != "" {
		c.DatabaseURL = fc.DatabaseURL
	}
	if fc.DatabaseRequired != nil {
		c.DatabaseRequired = *fc.DatabaseRequired
	}
	if secrets := compact(fc.JWTSecrets); len(secrets) > 0 {
		c.JWTSecrets = secrets
	}
	if markers := compact(fc.CallerMarkers); len(markers) > 0 {
		c.CallerMarkers = markers
	}
	if origins := compact(fc.CORSOrigins); len(origins) > 0 {
		c.CORSOrigins = origins
	}
	if fc.RedisURL != "" {
		c.RedisURL = fc.RedisURL
	}
	if fc.DevTokens != nil {
		c.DevTokens = *fc.DevTokens
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"token_ttl", fc.TokenTTL, &c.TokenTTL},
		{"handshake_timeout", fc.HandshakeTimeout, &c.HandshakeTimeout},
		{"shutdown_timeout", fc.ShutdownTimeout, &c.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := parseDuration(d.key, d.value)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

// applyEnv は環境変数の値を反映する。
func (c *Config) applyEnv(lookup LookupFunc) error {
	if v := get(lookup, EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q は数値ではありません", ErrInvalid, EnvPort, v)
		}
		c.Port = port
	}
	if v := get(lookup, EnvDatabaseURL); v != "" {
		c.DatabaseURL = v
	}
	if v := get(lookup, EnvDatabaseRequired); v != "" {
		b, err := parseBool(EnvDatabaseRequired, v)
		if err != nil {
			return err
		}
		c.DatabaseRequired = b
	}

	// JWT_SECRETS（カンマ区切り）を JWT_SECRET より優先する
	if secrets := compact(strings.Split(get(lookup, EnvJWTSecrets), ",")); len(secrets) > 0 {
		c.JWTSecrets = secrets
	} else if v := get(lookup, EnvJWTSecret); v != "" {
		c.JWTSecrets = []string{v}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvTokenTTL, &c.TokenTTL},
		{EnvHandshakeTimeout, &c.HandshakeTimeout},
		{EnvShutdownTimeout, &c.ShutdownTimeout},
	}
	for _, d := range durations {
		v := get(lookup, d.key)
		if v == "" {
			continue
		}
		parsed, err := parseDuration(d.key, v)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}

	if markers := compact(strings.Split(get(lookup, EnvCallerMarkers), ",")); len(markers) > 0 {
		c.CallerMarkers = markers
	}
	if origins := compact(strings.Split(get(lookup, EnvCORSOrigins), ",")); len(origins) > 0 {
		c.CORSOrigins = origins
	}
	if v := get(lookup, EnvRedisURL); v != "" {
		c.RedisURL = v
	}
	if v := get(lookup, EnvDevTokens); v != "" {
		b, err := parseBool(EnvDevTokens, v)
		if err != nil {
			return err
		}
		c.DevTokens = b
	}
	return nil
}

// validate は組み立てた設定を検証する。
func (c *Config) validate() error {
	if len(c.JWTSecrets) == 0 {
		return fmt.Errorf("%w: %s または %s が設定されていません", ErrInvalid, EnvJWTSecret, EnvJWTSecrets)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %s=%d は範囲外です", ErrInvalid, EnvPort, c.Port)
	}
	if len(c.CallerMarkers) == 0 {
		return fmt.Errorf("%w: %s が空です", ErrInvalid, EnvCallerMarkers)
	}

	// 接続文字列の形式不正は警告に留め、接続の可否は起動処理で判定する
	if c.DatabaseURL != "" {
		if _, err := store.ParseDSN(c.DatabaseURL); err != nil {
			c.Warnings = append(c.Warnings, fmt.Errorf("%w: %s: %w", ErrInvalid, EnvDatabaseURL, err))
		}
	}
	return nil
}

func get(lookup LookupFunc, key string) string {
	v, ok := lookup(key)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// compact は前後の空白を除去し、空要素を取り除く。
func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q は期間として解釈できません", ErrInvalid, key, value)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s=%q は正の値である必要があります", ErrInvalid, key, value)
	}
	return d, nil
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q は真偽値として解釈できません", ErrInvalid, key, value)
	}
	return b, nil
}
