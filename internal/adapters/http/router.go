package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/adapters/signal"
	"github.com/dkeye/callsession/internal/app/session"
	"github.com/dkeye/callsession/internal/config"
	"github.com/dkeye/callsession/internal/domain"
)

const (
	cookieStoreName = "CallSessions"
	tokenKey        = "client_token"
	tokenMaxAge     = 3600 * 24 * 7
)

// Sessions is the registry view the routes need.
type Sessions interface {
	signal.Sessions
	Get(id domain.UserID) (*session.Connection, bool)
	Len() int
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware keeps the client token in the signed cookie session
// and exposes it to handlers as "client_token".
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(tokenKey).(string)
		if token == "" {
			token = genClientToken()
			s.Set(tokenKey, token)
			s.Options(sessions.Options{Path: "/", MaxAge: tokenMaxAge, HttpOnly: true, SameSite: http.SameSiteLaxMode})
			if err := s.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("save client token")
			}
		}
		c.Set(tokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, reg Sessions, ctrl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": reg.Len()})
	})

	secret := cfg.Secret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Str("module", "adapters.http").Msg("no secret configured, client tokens will not survive a restart")
	}
	store := cookie.NewStore([]byte(secret))
	r.Use(sessions.Sessions(cookieStoreName, store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/me", func(c *gin.Context) {
		uid := domain.UserID(c.GetString(tokenKey))
		user := reg.GetOrCreateUser(uid)
		snapshot, _ := reg.User(user.ID)
		c.JSON(http.StatusOK, snapshot)
	})

	api.GET("/session", func(c *gin.Context) {
		uid := domain.UserID(c.GetString(tokenKey))
		sess, ok := reg.Get(uid)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no_session"})
			return
		}
		c.JSON(http.StatusOK, sess.Snapshot())
	})

	api.GET("/ws/session", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", c.GetString(tokenKey)).Msg("ws session endpoint hit")
		ctrl.HandleSession(ctx, c)
	})

	return r
}
