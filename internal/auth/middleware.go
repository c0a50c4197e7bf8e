package auth

import (
	"backend/internal/common"

	"github.com/gin-gonic/gin"
)

// UserIDKey Gin 上下文中的用户 ID 键
const UserIDKey = "user_id"

// AuthMiddleware JWT 认证中间件
// 验证通过后把用户 ID 写入 Gin 上下文
func AuthMiddleware(jwtService *JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			common.AbortWithError(c, common.CodeUnauthorized, "缺少认证令牌")
			return
		}

		token := ExtractTokenFromBearer(authHeader)
		if token == "" {
			common.AbortWithError(c, common.CodeUnauthorized, "无效的令牌格式")
			return
		}

		claims, err := jwtService.ValidateToken(c.Request.Context(), token)
		if err != nil {
			common.AbortWithError(c, common.CodeUnauthorized, "令牌验证失败")
			return
		}

		// 刷新令牌不能用于访问接口
		if claims.TokenType != "access" {
			common.AbortWithError(c, common.CodeUnauthorized, "令牌类型错误")
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

// GetUserID 从 Gin 上下文获取当前用户 ID
func GetUserID(c *gin.Context) (string, bool) {
	value, exists := c.Get(UserIDKey)
	if !exists {
		return "", false
	}
	userID, ok := value.(string)
	return userID, ok && userID != ""
}
