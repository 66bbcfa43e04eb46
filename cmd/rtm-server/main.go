package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"rtm/adapters"
	"rtm/app"
	"rtm/domain"
	"rtm/ports"
)

func main() {
	var (
		addr             = flag.String("addr", ":8080", "HTTP listen address")
		rootDir          = flag.String("root", ".rtm", "root directory for task resources")
		environmentsFile = flag.String("environments", "environments.yaml", "environments manifest path")
		publicKey        = flag.String("public-key", "", "this requestor's public key")
		logLevel         = flag.String("log-level", "info", "log level (debug|info|warn|error)")
		corsOrigins      = flag.String("cors-origins", "*", "comma-separated list of allowed CORS origins")
		tracingKind      = flag.String("tracing-exporter", "none", "span exporter: otlp|jaeger|zipkin|none")
		tracingEndpoint  = flag.String("tracing-endpoint", "", "collector endpoint for the selected span exporter")
		ticketSecret     = flag.String("ticket-signing-secret", "", "HMAC secret for signing subtask assignment tickets (unset disables ticket issuance)")
		ticketIssuer     = flag.String("ticket-issuer", "rtm", "issuer claim stamped on assignment tickets")
		ticketTTL        = flag.Duration("ticket-ttl", time.Hour, "validity window for a minted assignment ticket")
	)
	flag.Parse()

	level := parseLevel(*logLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	tracerProvider, err := adapters.NewTracerProvider(bootCtx, adapters.TracingConfig{
		Kind:        *tracingKind,
		Endpoint:    *tracingEndpoint,
		ServiceName: "rtm-server",
	})
	bootCancel()
	if err != nil {
		logger.Error("init tracer provider", "error", err)
		os.Exit(1)
	}
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer provider shutdown", "error", err)
		}
	}()

	dirs, err := adapters.NewDirManager(*rootDir)
	if err != nil {
		logger.Error("init directory manager", "error", err)
		os.Exit(1)
	}
	envs, err := adapters.LoadEnvManager(*environmentsFile)
	if err != nil {
		logger.Error("load environments", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	timers := adapters.NewComputeTimersWithRegisterer(registry)

	store, err := adapters.NewCachedStore(adapters.NewMemoryStore(), 0)
	if err != nil {
		logger.Error("init task cache", "error", err)
		os.Exit(1)
	}

	var tickets ports.TicketIssuer
	if *ticketSecret != "" {
		tickets = adapters.NewTicketIssuer(*ticketSecret, *ticketIssuer, *ticketTTL)
	} else {
		logger.Warn("ticket-signing-secret not set; subtask assignments will carry no ticket")
	}

	manager := app.NewManager(app.Dependencies{
		Store:          store,
		Dirs:           dirs,
		Envs:           envs,
		ServiceFactory: adapters.NewEnvironmentTaskAPIServiceFactory(),
		ClientFactory:  adapters.NewWSClientFactory(),
		Timers:         timers,
		Tickets:        tickets,
		Logger:         logger,
		PublicKey:      *publicKey,
		RootDir:        *rootDir,
	})

	router := gin.New()
	router.Use(gin.Recovery(), slogMiddleware(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(*corsOrigins, ","),
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	registerRoutes(router, manager, logger)

	server := &http.Server{Addr: *addr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", *addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := manager.Quit(shutdownCtx); err != nil {
		logger.Error("manager quit", "error", err)
	}
}

func parseLevel(value string) slog.Level {
	switch value {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// slogMiddleware logs each request at Info with its outcome status and latency.
func slogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

type createTaskRequest struct {
	AppID           string         `json:"app_id" binding:"required"`
	Name            string         `json:"name"`
	Environment     string         `json:"environment" binding:"required"`
	TaskTimeout     time.Duration  `json:"task_timeout"`
	SubtaskTimeout  time.Duration  `json:"subtask_timeout"`
	OutputDirectory string         `json:"output_directory"`
	Resources       []string       `json:"resources"`
	MaxSubtasks     int            `json:"max_subtasks" binding:"required"`
	MaxPricePerHour float64        `json:"max_price_per_hour"`
	ConcentEnabled  bool           `json:"concent_enabled"`
	AppParams       map[string]any `json:"app_params"`
}

type nextSubtaskRequest struct {
	NodeID string `json:"node_id" binding:"required"`
	Name   string `json:"name"`
}

func registerRoutes(router *gin.Engine, manager *app.Manager, logger *slog.Logger) {
	tasks := router.Group("/tasks")

	tasks.POST("", func(c *gin.Context) {
		var req createTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		taskID, err := manager.CreateTask(c.Request.Context(), domain.CreateTaskParams{
			AppID:           req.AppID,
			Name:            req.Name,
			Environment:     domain.EnvID(req.Environment),
			TaskTimeout:     req.TaskTimeout,
			SubtaskTimeout:  req.SubtaskTimeout,
			OutputDirectory: req.OutputDirectory,
			Resources:       req.Resources,
			MaxSubtasks:     req.MaxSubtasks,
			MaxPricePerHour: req.MaxPricePerHour,
			ConcentEnabled:  req.ConcentEnabled,
		}, req.AppParams)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"task_id": taskID})
	})

	tasks.POST("/:taskID/init", func(c *gin.Context) {
		if err := manager.InitTask(c.Request.Context(), c.Param("taskID")); err != nil {
			writeManagerError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	tasks.POST("/:taskID/start", func(c *gin.Context) {
		if err := manager.StartTask(c.Request.Context(), c.Param("taskID")); err != nil {
			writeManagerError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	tasks.GET("/:taskID", func(c *gin.Context) {
		exists, err := manager.TaskExists(c.Request.Context(), c.Param("taskID"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !exists {
			c.Status(http.StatusNotFound)
			return
		}
		finished, err := manager.IsTaskFinished(c.Request.Context(), c.Param("taskID"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"task_id": c.Param("taskID"), "finished": finished})
	})

	tasks.POST("/:taskID/subtasks/next", func(c *gin.Context) {
		var req nextSubtaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		def, err := manager.GetNextSubtask(c.Request.Context(), c.Param("taskID"), domain.ComputingNode{NodeID: req.NodeID, Name: req.Name})
		if err != nil {
			writeAssignmentError(c, err)
			return
		}
		c.JSON(http.StatusOK, def)
	})

	tasks.POST("/:taskID/subtasks/:subtaskID/verify", func(c *gin.Context) {
		ok, err := manager.Verify(c.Request.Context(), c.Param("taskID"), c.Param("subtaskID"))
		if err != nil {
			writeManagerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"verified": ok})
	})

	tasks.DELETE("/:taskID", func(c *gin.Context) {
		if err := manager.AbortTask(c.Request.Context(), c.Param("taskID")); err != nil {
			writeManagerError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func writeManagerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrSubtaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrAlreadyInitialized), errors.Is(err, domain.ErrAlreadyStarted), errors.Is(err, domain.ErrTaskNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func writeAssignmentError(c *gin.Context, err error) {
	if domain.IsAssignmentRefused(err) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	writeManagerError(c, err)
}
