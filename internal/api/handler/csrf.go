package handler

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/cuongbtq/taskpoll/internal/api/dto"
	"github.com/gin-gonic/gin"
)

const (
	CSRFCookieName = "csrftoken"
	CSRFHeaderName = "X-CSRFToken"

	csrfCookieMaxAge = 365 * 24 * 60 * 60
)

// IssueCSRFToken handles GET /api/v1/csrf
// The token is readable by scripts so clients can echo it in CSRFHeaderName
func IssueCSRFToken(c *gin.Context) {
	token, err := c.Cookie(CSRFCookieName)
	if err != nil || token == "" {
		token, err = GenerateCSRFToken()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate CSRF token",
			})
			return
		}
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CSRFCookieName, token, csrfCookieMaxAge, "/", "", false, false)
	c.JSON(http.StatusOK, dto.CSRFResponse{CSRFToken: token})
}

// GenerateCSRFToken returns 32 random bytes, hex encoded
func GenerateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
