// Package auth は認証・認可機能を提供します。
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// RequireAPIKey は Bearer トークンを検証するミドルウェアを返します。
// hash には bcrypt でハッシュ化した API キーを渡します。空文字列の
// 場合は検証をスキップします（ローカル開発向け）。
func RequireAPIKey(hash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hash == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "認証情報が不足しています",
			})
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "APIキーが正しくありません",
			})
			return
		}

		c.Next()
	}
}
