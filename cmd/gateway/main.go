// MAITRI宇宙飛行士ゲートウェイのエントリポイント。
// 呼び出し元分類と資格情報の検証を通過したリクエストだけを受け付ける
// HTTPとWebSocketの二系統の入口を提供する。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/maitri/astronaut-gateway/internal/config"
	"github.com/maitri/astronaut-gateway/internal/lifecycle"
	"github.com/maitri/astronaut-gateway/pkg/httpclient"
)

// healthcheckTimeout は --healthcheck で /health を呼び出す際のタイムアウト。
const healthcheckTimeout = 3 * time.Second

// options はコマンドライン引数。
type options struct {
	envFile     string
	configPath  string
	logLevel    string
	healthcheck bool
	smoke       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.LookupEnv, os.Stderr)
	stop()
	os.Exit(code)
}

// run はゲートウェイを起動し、プロセスの終了コードを返す。
func run(ctx context.Context, args []string, lookup config.LookupFunc, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger, err := newLogger(stderr, opts.logLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	if err := loadEnvFile(opts.envFile); err != nil {
		logger.Error("環境変数ファイルの読み込みに失敗", slog.String("path", opts.envFile), slog.Any("error", err))
		return 1
	}

	cfg, err := config.Load(lookup, opts.configPath)
	if err != nil {
		logger.Error("設定の読み込みに失敗", slog.Any("error", err))
		return lifecycle.ExitCode(err)
	}

	if opts.healthcheck {
		return checkHealth(ctx, cfg, logger)
	}
	if opts.smoke {
		return smoke(ctx, cfg, logger)
	}

	logger.Info("ゲートウェイを起動します", slog.String("addr", cfg.Addr()))
	err = lifecycle.New(cfg, lifecycle.WithLogger(logger)).Run(ctx)
	if err != nil {
		logger.Error("ゲートウェイが異常終了しました", slog.Any("error", err))
	} else {
		logger.Info("ゲートウェイを停止しました")
	}
	return lifecycle.ExitCode(err)
}

// parseFlags はコマンドライン引数を解析する。
func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.envFile, "env-file", ".env", "読み込む環境変数ファイル（存在しない場合は無視）")
	fs.StringVar(&opts.configPath, "config", "", "YAML設定ファイルのパス（未指定時は "+config.EnvConfigFile+" を参照）")
	fs.StringVar(&opts.logLevel, "log-level", "info", "ログレベル（debug, info, warn, error）")
	fs.BoolVar(&opts.healthcheck, "healthcheck", false, "起動中のゲートウェイの /health を確認して終了する")
	fs.BoolVar(&opts.smoke, "smoke", false, "起動中のゲートウェイで開発用トークンの発行から認証済みルートまでを確認して終了する（DEV_TOKENS=true が必要）")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// newLogger は指定レベルのJSONロガーを生成する。
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("ログレベルが不正です: %q", level)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// loadEnvFile は環境変数ファイルを読み込む。既に設定済みの環境変数は上書きしない。
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// checkHealth はローカルで稼働中のゲートウェイの /health を呼び出し、終了コードを返す。
func checkHealth(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	defer cancel()

	client := httpclient.New(localURL(cfg), httpclient.WithTimeout(healthcheckTimeout))
	report, err := client.Health(ctx)
	if err != nil {
		logger.Error("ヘルスチェックに失敗", slog.Any("error", err))
		return 1
	}
	logger.Info("ヘルスチェックに成功",
		slog.String("status", report.Status),
		slog.String("database", report.Database),
	)
	return 0
}

// smokeUserID は --smoke で登録する宇宙飛行士のプロバイダ上のID。
const smokeUserID = "smoke-check"

// smoke はローカルで稼働中のゲートウェイに対し、開発用トークンの発行、
// 保護されたルートの呼び出し、ログアウトを順に行い、終了コードを返す。
func smoke(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	if !cfg.DevTokens {
		logger.Error("スモークテストには開発用トークンの発行が必要です", slog.String("env", config.EnvDevTokens))
		return 1
	}
	ctx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	defer cancel()

	marker := httpclient.WithCallerMarker(cfg.CallerMarkers[0])
	anonymous := httpclient.New(localURL(cfg), httpclient.WithTimeout(healthcheckTimeout), marker)

	var issued struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	if err := anonymous.PostJSON(ctx, "/api/auth/dev-token", map[string]string{"provider_user_id": smokeUserID}, &issued); err != nil {
		logger.Error("開発用トークンの発行に失敗", slog.Any("error", err))
		return 1
	}

	authed := httpclient.New(localURL(cfg), httpclient.WithTimeout(healthcheckTimeout), marker, httpclient.WithBearer(issued.Token))
	var protected struct {
		User struct {
			UserID string `json:"user_id"`
		} `json:"user"`
	}
	if err := authed.GetJSON(ctx, "/api/protected", &protected); err != nil {
		logger.Error("保護されたルートの呼び出しに失敗", slog.Any("error", err))
		return 1
	}
	if protected.User.UserID != issued.UserID {
		logger.Error("検証済みの身元情報が一致しません",
			slog.String("issued", issued.UserID),
			slog.String("verified", protected.User.UserID),
		)
		return 1
	}
	if err := authed.PostJSON(ctx, "/api/auth/logout", nil, nil); err != nil {
		logger.Error("ログアウトに失敗", slog.Any("error", err))
		return 1
	}

	logger.Info("スモークテストに成功", slog.String("user_id", issued.UserID))
	return 0
}

// localURL はローカルで稼働中のゲートウェイのベースURLを返す。
func localURL(cfg config.Config) string {
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
}
