package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dkeye/streamview/internal/app"
	"github.com/dkeye/streamview/internal/config"
	"github.com/dkeye/streamview/internal/core"
	"github.com/dkeye/streamview/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Engine is what the status API reads from and drives. *orch.Orchestrator
// satisfies it.
type Engine interface {
	Channels() []domain.Channel
	Sessions() []core.SessionInfo
	Frames() app.FrameStats
	LatestFrame(ch domain.ChannelID) (app.RoutedFrame, bool)
	Subscribe(ch domain.ChannelID) error
	Unsubscribe(ch domain.ChannelID) error
	Identity() (domain.ClientIdentity, bool)
	RTT() time.Duration
	Published() []domain.ChannelID
}

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, engine Engine) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	api := r.Group("/api")

	// GET /api/channels: catalog as last reported by the server
	api.GET("/channels", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"channels": engine.Channels()})
	})

	// GET /api/sessions: live peer sessions
	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": engine.Sessions()})
	})

	// GET /api/frames: frame routing counters
	api.GET("/frames", func(c *gin.Context) {
		c.JSON(http.StatusOK, engine.Frames())
	})

	// GET /api/channels/:id/frame: latest JPEG of a channel
	api.GET("/channels/:id/frame", func(c *gin.Context) {
		f, ok := engine.LatestFrame(domain.ChannelID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no frame yet"})
			return
		}
		c.Header("Last-Modified", f.At.UTC().Format(http.TimeFormat))
		c.Header("X-Frame-Bytes", strconv.Itoa(len(f.Data)))
		c.Data(http.StatusOK, "image/jpeg", f.Data)
	})

	// POST /api/channels/:id/subscribe
	api.POST("/channels/:id/subscribe", func(c *gin.Context) {
		ch := domain.ChannelID(c.Param("id"))
		if err := engine.Subscribe(ch); err != nil {
			log.Warn().Str("module", "adapters.http").Str("channel", string(ch)).Str("request", c.GetString("request_id")).Err(err).Msg("subscribe")
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"channel": ch})
	})

	// DELETE /api/channels/:id/subscribe
	api.DELETE("/channels/:id/subscribe", func(c *gin.Context) {
		ch := domain.ChannelID(c.Param("id"))
		if err := engine.Unsubscribe(ch); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	// GET /api/identity: id assigned by the signaling server
	api.GET("/identity", func(c *gin.Context) {
		id, ok := engine.Identity()
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not connected"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":         id.ID,
			"assignedAt": id.AssignedAt,
			"rttMs":      engine.RTT().Milliseconds(),
			"published":  engine.Published(),
		})
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNoLink), errors.Is(err, core.ErrLinkClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrSubscriptionLimit):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrBackpressure):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
