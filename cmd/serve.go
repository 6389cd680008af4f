package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/kvlink/client"
	"github.com/luma/kvlink/internal/meta"
	"github.com/luma/kvlink/protocol"
)

const upstreamPingTimeout = 2 * time.Second

var (
	// The host for the HTTP sidecar to listen on
	httpHost string

	// The port for the HTTP sidecar to listen on
	httpPort string
)

func init() {
	flags := ServeCmd.Flags()

	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.StringVarP(&httpHost, "host", "a", "0.0.0.0", "The host to listen on")
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an HTTP sidecar that reports on the store connection",
	Long: `Run an HTTP sidecar that holds one connection to the store and reports on it

	GET /ping    sends PING to the store and reports the round trip
	GET /health  reports the connection state, 503 while disconnected

Usage
	kvlink serve --http-port 7362

`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		log := s.log

		conn := client.New(s.options)

		// The first connect is best effort, commands connect lazily
		if err := conn.Connect(ctx); err != nil {
			log.Warn("Store is not reachable yet", zap.Error(err))
		}

		router := setupRouter(s.conf.DebugHTTP, log)
		registerRoutes(router, conn)

		srv := &http.Server{
			Addr:    net.JoinHostPort(httpHost, httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		log.Info("Listening",
			zap.String("store", s.options.Addr),
			zap.String("host", httpHost),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := conn.Quit(shutdownCtx); err != nil {
			log.Error("Failed to quit the store connection", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

// upstream is the part of *client.Conn the sidecar reports on.
type upstream interface {
	Command(ctx context.Context, args ...string) (protocol.Value, error)
	State() client.State
	IsConnected() bool
}

func registerRoutes(router *gin.Engine, conn upstream) {
	agent := meta.GetInfo().UserAgent()

	router.GET("/ping", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), upstreamPingTimeout)
		defer cancel()

		start := time.Now()

		v, err := conn.Command(ctx, "PING")
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		text, _ := v.Text()

		c.JSON(http.StatusOK, gin.H{
			"reply":   text,
			"latency": time.Since(start).String(),
		})
	})

	router.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		if !conn.IsConnected() {
			status = http.StatusServiceUnavailable
		}

		c.Header("Server", agent)
		c.JSON(status, gin.H{
			"state":     conn.State().String(),
			"connected": conn.IsConnected(),
		})
	})
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests apart from health checks, like a combined access and
	// error log, with RFC3339 UTC timestamps.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/health"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}
