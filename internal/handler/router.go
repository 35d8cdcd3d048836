package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"tradepipeline/internal/breaker"
	"tradepipeline/internal/notify"
	"tradepipeline/internal/orchestrator"
	"tradepipeline/internal/repository"
)

type RouterOptions struct {
	Debug          bool
	APIToken       string
	OriginPatterns []string

	Repo          repository.Repository
	Breakers      *breaker.Registry
	Stream        *orchestrator.Broadcaster
	Halted        func() bool
	ResumeTrading func(reason string)
	Audit         *notify.Notifier
	Logger        *zap.Logger
}

// NewRouter builds the operator API.
func NewRouter(opts RouterOptions) *gin.Engine {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(RequireBearer(opts.APIToken))
	engine.Use(notify.AuditMiddleware(opts.Audit, logger))

	(&HealthHandler{Store: opts.Repo, Halted: opts.Halted}).Register(engine)
	RegisterDocs(engine)
	(&CycleHandler{Repo: opts.Repo, Stream: opts.Stream, Logger: logger, OriginPatterns: opts.OriginPatterns}).Register(engine)
	(&OrderHandler{Repo: opts.Repo}).Register(engine)
	(&BreakerHandler{Breakers: opts.Breakers, Repo: opts.Repo, ResumeTrading: opts.ResumeTrading, Logger: logger}).Register(engine)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	return engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
