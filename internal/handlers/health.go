package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
)

// SessionCounter reports open websocket sessions.
type SessionCounter interface {
	ActiveSessions() int
}

// Health reports liveness and store reachability.
func Health(db *sqlx.DB, sessions SessionCounter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		body := gin.H{"status": "ok"}
		if sessions != nil {
			body["sessions"] = sessions.ActiveSessions()
		}
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				body["status"] = "degraded"
				body["store"] = "unreachable"
				c.JSON(http.StatusServiceUnavailable, body)
				return
			}
		}
		c.JSON(http.StatusOK, body)
	}
}
