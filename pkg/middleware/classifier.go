package middleware

import (
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrorCodeAstronautAccessRequired は呼び出し元分類で拒否された場合のエラーコード。
const ErrorCodeAstronautAccessRequired = "ASTRONAUT_ACCESS_REQUIRED"

// astronautAccessMessage は呼び出し元分類で拒否された場合の説明文。
const astronautAccessMessage = "Access Denied: This system is exclusively for certified astronauts only. Please use authorized space mission terminals."

// DefaultCallerMarkers は認定端末が付与するヘッダー名の既定値。
var DefaultCallerMarkers = []string{"mission-control", "space-station", "astronaut-terminal"}

// Classification は呼び出し元分類の結果。リクエストごとに算出し、保存しない。
type Classification struct {
	// Present は認識済みのマーカーヘッダーが1つ以上付与されていたかどうか。
	Present bool
	// Marker は最初に見つかったマーカーヘッダー名。
	Marker string
}

// Classifier はトランスポートヘッダーを調べ、認証を試みる資格があるかを判定する。
// 身元情報は参照しない。判定は失敗側に倒す（マーカーが無ければ拒否）。
type Classifier struct {
	markers []string
}

// NewClassifier は指定したヘッダー名の集合で判定する Classifier を生成する。
// 空のヘッダー名は無視する。集合が空の場合、すべてのリクエストを拒否する。
func NewClassifier(markers []string) *Classifier {
	canonical := make([]string, 0, len(markers))
	seen := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		key := http.CanonicalHeaderKey(m)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		canonical = append(canonical, key)
	}
	return &Classifier{markers: canonical}
}

// Markers は判定に使用するヘッダー名（正規化済み）を返す。
func (c *Classifier) Markers() []string {
	out := make([]string, len(c.markers))
	copy(out, c.markers)
	return out
}

// Classify はヘッダーを調べて分類結果を返す。値が空のヘッダーは付与されていないものとみなす。
func (c *Classifier) Classify(h http.Header) Classification {
	if h == nil {
		return Classification{}
	}
	for _, m := range c.markers {
		if strings.TrimSpace(h.Get(m)) != "" {
			return Classification{Present: true, Marker: m}
		}
	}
	return Classification{}
}

// CallerClassification は呼び出し元分類を行うGinミドルウェアを返す。
// マーカーが無い場合は403と ASTRONAUT_ACCESS_REQUIRED を返して中断する。
func CallerClassification(classifier *Classifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !classifier.Classify(c.Request.Header).Present {
			Reject(c, http.StatusForbidden, NewRejection(ErrorCodeAstronautAccessRequired, astronautAccessMessage))
			return
		}
		c.Next()
	}
}

// UnderPrefix はパスがprefix配下の場合にのみhを実行するGinミドルウェアを返す。
// ルートの一致に関係なく実行されるよう、エンジン全体に登録して使う。
// パスは正規化してから判定する。
func UnderPrefix(prefix string, h gin.HandlerFunc) gin.HandlerFunc {
	prefix = strings.TrimSuffix(prefix, "/")
	return func(c *gin.Context) {
		p := path.Clean("/" + c.Request.URL.Path)
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			h(c)
			return
		}
		c.Next()
	}
}
