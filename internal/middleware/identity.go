package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const userIDKey = "seckill.userId"

var errInvalidToken = errors.New("invalid token")

// Claims 登录态载荷，uid 为用户 ID。
type Claims struct {
	UID int64 `json:"uid"`
	jwt.RegisteredClaims
}

// SignToken 用 HS256 签发只含 uid 的 token，供压测与测试使用。
func SignToken(secret string, uid int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UID: uid,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Identity 解析调用方身份并写入上下文。
// secret 非空时要求 Authorization: Bearer <jwt>；为空时信任 X-User-ID 头（仅开发环境）。
func Identity(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			uid int64
			err error
		)
		if secret != "" {
			uid, err = parseBearer(c.GetHeader("Authorization"), []byte(secret))
		} else {
			uid, err = strconv.ParseInt(strings.TrimSpace(c.GetHeader("X-User-ID")), 10, 64)
		}
		if err != nil || uid <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "未登录"})
			return
		}
		c.Set(userIDKey, uid)
		c.Next()
	}
}

// UserID 取出 Identity 写入的用户 ID。
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	uid, ok := v.(int64)
	return uid, ok
}

func parseBearer(header string, secret []byte) (int64, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return 0, errInvalidToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, err
	}
	return claims.UID, nil
}
