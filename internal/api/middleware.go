package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dyluth/accord/internal/iam"
)

const agentKey = "participant_agent"

// TokenParser verifies bearer tokens. iam.Parser implements it.
type TokenParser interface {
	Parse(raw string) (iam.ClaimToken, error)
}

// Auth resolves the calling participant from its bearer token.
func Auth(parser TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := parser.Parse(strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(agentKey, iam.AgentFor(token))
		c.Next()
	}
}

func mustAgent(c *gin.Context) (iam.ParticipantAgent, bool) {
	v, ok := c.Get(agentKey)
	if !ok {
		return iam.ParticipantAgent{}, false
	}
	agent, ok := v.(iam.ParticipantAgent)
	return agent, ok
}
