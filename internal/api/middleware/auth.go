// Package middleware 提供HTTP中间件
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 访问级别，写入 gin.Context 的 "api_access"
const (
	AccessControl = "control"
	AccessRead    = "read"
)

// AuthConfig API认证配置
type AuthConfig struct {
	// APIKeys 可查询也可控制设备（连接、写特征值、扫描）
	APIKeys []string `json:"api_keys"`
	// ReadOnlyKeys 只允许 GET/HEAD
	ReadOnlyKeys []string `json:"read_only_keys"`
	Enabled      bool     `json:"enabled"`
}

type keySet [][]byte

func newKeySet(raw []string) keySet {
	ks := make(keySet, 0, len(raw))
	for _, k := range raw {
		if k = strings.TrimSpace(k); k != "" {
			ks = append(ks, []byte(k))
		}
	}
	return ks
}

func (ks keySet) contains(candidate string) bool {
	for _, k := range ks {
		if subtle.ConstantTimeCompare(k, []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

// APIKeyAuth API Key认证中间件
//
// 使用方式:
//  1. Header: X-API-Key: sk_live_xxxx
//  2. Header: Authorization: Bearer sk_live_xxxx
//
// 只读 Key 调用控制类接口返回 403。
func APIKeyAuth(cfg AuthConfig, logger *zap.Logger) gin.HandlerFunc {
	control := newKeySet(cfg.APIKeys)
	readOnly := newKeySet(cfg.ReadOnlyKeys)

	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		apiKey := extractAPIKey(c)
		reject := func(status int, reason, message string) {
			logger.Warn("api auth rejected",
				zap.String("reason", reason),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
				zap.String("remote_addr", c.ClientIP()),
				zap.String("api_key_prefix", maskAPIKey(apiKey)),
			)
			c.AbortWithStatusJSON(status, gin.H{"error": reason, "message": message})
		}

		switch {
		case apiKey == "":
			reject(http.StatusUnauthorized, "unauthorized", "请在Header中提供 X-API-Key 或 Authorization: Bearer <token>")
			return
		case control.contains(apiKey):
			c.Set("api_access", AccessControl)
		case readOnly.contains(apiKey):
			if m := c.Request.Method; m != http.MethodGet && m != http.MethodHead {
				reject(http.StatusForbidden, "forbidden", "只读 API Key 不能控制设备")
				return
			}
			c.Set("api_access", AccessRead)
		default:
			reject(http.StatusForbidden, "forbidden", "无效的API Key")
			return
		}
		c.Next()
	}
}

func extractAPIKey(c *gin.Context) string {
	if k := c.GetHeader("X-API-Key"); k != "" {
		return k
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// maskAPIKey 脱敏API Key（仅显示前4位和后4位）
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
