package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/z-wentao/longscribe/pkg/models"
)

const (
	claimsKey = "claims"
	// RoleAdmin 可以调用运维接口
	RoleAdmin = "admin"
	// 下载令牌的 audience，与登录令牌区分
	downloadAudience = "longscribe-download"
)

// Claims 访问令牌，subject 为用户 ID
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// DownloadClaims 下载令牌，绑定任务与格式
type DownloadClaims struct {
	JobID  string `json:"job_id"`
	Format string `json:"format"`
	jwt.RegisteredClaims
}

// Auth 令牌签发与校验（HS256）
type Auth struct {
	secret      []byte
	issuer      string
	downloadTTL time.Duration
}

// NewAuth 创建鉴权组件，issuer 为空时不校验签发者
func NewAuth(secret, issuer string, downloadTTL time.Duration) *Auth {
	if downloadTTL <= 0 {
		downloadTTL = 5 * time.Minute
	}
	return &Auth{secret: []byte(secret), issuer: issuer, downloadTTL: downloadTTL}
}

func (a *Auth) keyFunc(t *jwt.Token) (any, error) {
	return a.secret, nil
}

// IssueToken 签发访问令牌（测试和运维脚本使用，正式登录由外部身份服务完成）
func (a *Auth) IssueToken(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken 校验访问令牌
func (a *Auth) ValidateToken(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(raw, claims, a.keyFunc, opts...); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("令牌缺少用户 ID")
	}
	for _, aud := range claims.Audience {
		if aud == downloadAudience {
			return nil, errors.New("下载令牌不能用于访问接口")
		}
	}
	return claims, nil
}

// IssueDownloadToken 签发短期下载令牌
func (a *Auth) IssueDownloadToken(jobID string, format models.OutputFormat) (string, error) {
	now := time.Now()
	claims := &DownloadClaims{
		JobID:  jobID,
		Format: string(format),
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{downloadAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.downloadTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateDownloadToken 校验下载令牌
func (a *Auth) ValidateDownloadToken(raw string) (*DownloadClaims, error) {
	claims := &DownloadClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, a.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(downloadAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.JobID == "" {
		return nil, fmt.Errorf("下载令牌缺少任务 ID")
	}
	return claims, nil
}

// Middleware 校验 Bearer 令牌；WebSocket 无法设置请求头，允许 access_token 查询参数
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := ""
		if header := c.GetHeader("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的 Authorization 格式", "code": "unauthorized"})
				return
			}
			raw = parts[1]
		} else {
			raw = c.Query("access_token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "缺少访问令牌", "code": "unauthorized"})
			return
		}

		claims, err := a.ValidateToken(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "访问令牌无效或已过期", "code": "unauthorized"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole 要求令牌携带指定角色
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := getClaims(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "未登录", "code": "unauthorized"})
			return
		}
		for _, role := range roles {
			if claims.Role == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "无权访问该资源", "code": "forbidden"})
	}
}

func getClaims(c *gin.Context) *Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

// userID 当前请求的用户 ID（中间件已保证存在）
func userID(c *gin.Context) string {
	if claims := getClaims(c); claims != nil {
		return claims.Subject
	}
	return ""
}
