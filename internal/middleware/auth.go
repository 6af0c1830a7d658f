package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/desco-devs/fleetsync/internal/database"
	"github.com/desco-devs/fleetsync/internal/logging"
	"github.com/desco-devs/fleetsync/internal/models"
)

// ContextUserKey is where AuthMiddleware stores the resolved user.
const ContextUserKey = "current_user"

// AuthMiddleware resolves the session user and aborts unauthenticated
// requests. The resolved user is stored in the gin context.
func AuthMiddleware(db *database.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := resolveSessionUser(c, db)
		if err != nil {
			logging.Debug("Auth failed for %s: %v", c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}

		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// CurrentUser reads the authenticated user set by AuthMiddleware.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*models.User)
	return user, ok
}

func resolveSessionUser(c *gin.Context, db *database.DB) (*models.User, error) {
	session := sessions.Default(c)
	userIDStr := session.Get("user_id")
	if userIDStr == nil {
		return nil, fmt.Errorf("no valid session")
	}

	userIDString, ok := userIDStr.(string)
	if !ok {
		return nil, fmt.Errorf("invalid user ID type in session")
	}

	userID, err := uuid.Parse(userIDString)
	if err != nil {
		return nil, fmt.Errorf("invalid user ID in session")
	}

	user, err := db.GetUserByID(context.Background(), userID)
	if err != nil {
		return nil, fmt.Errorf("user not found: %w", err)
	}
	if user.UserStatus == "INACTIVE" {
		return nil, fmt.Errorf("user is inactive")
	}

	return user, nil
}
