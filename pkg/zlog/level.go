package zlog

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levels = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

var (
	dynamicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	levelName    = atomic.NewString("info")
)

func initLevel(lvl string) {
	SetLevel(lvl)
}

// SetLevel 热更新日志级别，未知级别返回 false
func SetLevel(lvl string) bool {
	lvl = strings.ToLower(strings.TrimSpace(lvl))
	l, ok := levels[lvl]
	if !ok {
		return false
	}
	dynamicLevel.SetLevel(l)
	levelName.Store(lvl)
	return true
}

// GetLevel 当前级别
func GetLevel() string {
	return levelName.Load()
}

// LevelHTTPHandler 挂到 /log/level，GET 查询，PUT ?v=debug 或 {"level":"debug"} 修改
func LevelHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(GetLevel()))
		case http.MethodPut:
			lvl := r.URL.Query().Get("v")
			if lvl == "" && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
				var body struct {
					Level string `json:"level"`
				}
				_ = json.NewDecoder(r.Body).Decode(&body)
				lvl = body.Level
			}
			if lvl == "" {
				lvl = r.FormValue("v")
			}
			if !SetLevel(lvl) {
				http.Error(w, "level 只能是 debug/info/warn/error", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(GetLevel()))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}
