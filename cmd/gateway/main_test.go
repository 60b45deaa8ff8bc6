package main

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// envLookup はマップから環境変数を参照する config.LookupFunc を返す。
func envLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

// healthServer は指定ステータスで /health に応答するテストサーバーを起動し、そのポートを返す。
func healthServer(t *testing.T, status int) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"ok","service":"gateway","database":"ok"}`))
	}))
	t.Cleanup(ts.Close)
	_, port, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("ポートの取得に失敗: %v", err)
	}
	return port
}

// TestRun は引数と設定に応じた終了コードを検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	okPort := healthServer(t, http.StatusOK)
	downPort := healthServer(t, http.StatusServiceUnavailable)

	tests := []struct {
		name string
		args []string
		env  map[string]string
		want int
	}{
		{
			name: "ヘルプ表示は正常終了すること",
			args: []string{"--help"},
			want: 0,
		},
		{
			name: "未知のフラグは終了コード2になること",
			args: []string{"--no-such-flag"},
			want: 2,
		},
		{
			name: "不正なログレベルは終了コード2になること",
			args: []string{"--env-file=", "--log-level=loud"},
			env:  map[string]string{"JWT_SECRET": "s"},
			want: 2,
		},
		{
			name: "秘密鍵が無い場合は終了コード1になること",
			args: []string{"--env-file="},
			env:  map[string]string{},
			want: 1,
		},
		{
			name: "ヘルスチェックが成功した場合は終了コード0になること",
			args: []string{"--env-file=", "--healthcheck"},
			env:  map[string]string{"JWT_SECRET": "s", "PORT": okPort},
			want: 0,
		},
		{
			name: "ヘルスチェックが503の場合は終了コード1になること",
			args: []string{"--env-file=", "--healthcheck"},
			env:  map[string]string{"JWT_SECRET": "s", "PORT": downPort},
			want: 1,
		},
		{
			name: "存在しない環境変数ファイルは無視されること",
			args: []string{"--env-file=" + filepath.Join(t.TempDir(), "missing.env"), "--healthcheck"},
			env:  map[string]string{"JWT_SECRET": "s", "PORT": okPort},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var stderr bytes.Buffer
			if got := run(t.Context(), tt.args, envLookup(tt.env), &stderr); got != tt.want {
				t.Errorf("run() = %d, want %d\n%s", got, tt.want, stderr.String())
			}
		})
	}
}

// TestParseFlags はフラグの既定値を検証する。
func TestParseFlags(t *testing.T) {
	t.Parallel()

	opts, err := parseFlags(nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags()でエラーが発生: %v", err)
	}
	if opts.envFile != ".env" || opts.configPath != "" || opts.logLevel != "info" || opts.healthcheck || opts.smoke {
		t.Errorf("既定値 = %+v", opts)
	}
}

// TestNewLogger はログレベルの解釈を検証する。
func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn")
	if err != nil {
		t.Fatalf("newLogger()でエラーが発生: %v", err)
	}
	logger.Info("出力されない")
	logger.Warn("出力される")
	if strings.Contains(buf.String(), "出力されない") || !strings.Contains(buf.String(), "出力される") {
		t.Errorf("ログ出力 = %q", buf.String())
	}
}

// TestLoadEnvFile は環境変数ファイルの読み込みを検証する。
func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.env")
	if err := os.WriteFile(path, []byte("MAITRI_TEST_ENV_FILE=loaded\n"), 0o600); err != nil {
		t.Fatalf("ファイルの作成に失敗: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("MAITRI_TEST_ENV_FILE") })

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile()でエラーが発生: %v", err)
	}
	if got := os.Getenv("MAITRI_TEST_ENV_FILE"); got != "loaded" {
		t.Errorf("MAITRI_TEST_ENV_FILE = %q, want %q", got, "loaded")
	}
	if err := loadEnvFile(filepath.Join(t.TempDir(), "none.env")); err != nil {
		t.Errorf("存在しないファイルでエラー: %v", err)
	}
}

// smokeServer は開発用トークン、保護されたルート、ログアウトに応答するテストサーバーを起動し、
// そのポートと受け取ったリクエストの記録を返す。verifiedUserには /api/protected が返すユーザーIDを指定する。
func smokeServer(t *testing.T, verifiedUser string) (string, func() []string) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.Header.Get("Mission-Control") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/auth/dev-token":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["provider_user_id"] != smokeUserID {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"token":"signed","user_id":"astro-smoke"}`))
		case "/api/protected":
			if r.Header.Get("Authorization") != "Bearer signed" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"user": map[string]string{"user_id": verifiedUser}})
		case "/api/auth/logout":
			if r.Header.Get("Authorization") != "Bearer signed" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	_, port, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("ポートの取得に失敗: %v", err)
	}
	return port, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), calls...)
	}
}

// TestSmoke は --smoke の流れと終了コードを検証する。
func TestSmoke(t *testing.T) {
	t.Parallel()

	t.Run("トークン発行から認証済みルート、ログアウトまで成功すれば終了コード0になること", func(t *testing.T) {
		t.Parallel()

		port, calls := smokeServer(t, "astro-smoke")
		env := map[string]string{"JWT_SECRET": "s", "PORT": port, "DEV_TOKENS": "true", "CALLER_MARKERS": "mission-control"}
		var stderr bytes.Buffer
		if got := run(t.Context(), []string{"--env-file=", "--smoke"}, envLookup(env), &stderr); got != 0 {
			t.Fatalf("run() = %d, want 0\n%s", got, stderr.String())
		}
		want := []string{"POST /api/auth/dev-token", "GET /api/protected", "POST /api/auth/logout"}
		if got := calls(); strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("呼び出し順 = %v, want %v", got, want)
		}
	})

	t.Run("身元情報が一致しない場合は終了コード1になること", func(t *testing.T) {
		t.Parallel()

		port, _ := smokeServer(t, "someone-else")
		env := map[string]string{"JWT_SECRET": "s", "PORT": port, "DEV_TOKENS": "true", "CALLER_MARKERS": "mission-control"}
		if got := run(t.Context(), []string{"--env-file=", "--smoke"}, envLookup(env), &bytes.Buffer{}); got != 1 {
			t.Errorf("run() = %d, want 1", got)
		}
	})

	t.Run("開発用トークンが無効な場合は呼び出さずに終了コード1になること", func(t *testing.T) {
		t.Parallel()

		port, calls := smokeServer(t, "astro-smoke")
		env := map[string]string{"JWT_SECRET": "s", "PORT": port}
		if got := run(t.Context(), []string{"--env-file=", "--smoke"}, envLookup(env), &bytes.Buffer{}); got != 1 {
			t.Errorf("run() = %d, want 1", got)
		}
		if got := calls(); len(got) != 0 {
			t.Errorf("呼び出し = %v, want none", got)
		}
	})
}
