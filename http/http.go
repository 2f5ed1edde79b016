package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shurcooL/httpfs/html/vfstemplate"

	subx "github.com/jkaberg/torrent-subx"
	"github.com/jkaberg/torrent-subx/config"
	"github.com/jkaberg/torrent-subx/extract"
	"github.com/jkaberg/torrent-subx/torrent"
)

// Extractor is the part of extract.Processor the web front-end drives.
type Extractor interface {
	List(ctx context.Context, raw string) (*extract.Listing, error)
	ProcessSource(ctx context.Context, raw string) (*extract.SourceReport, error)
}

// NewRouter builds the web front-end. output is shown on the index page.
func NewRouter(e Extractor, ss *torrent.Stats, output, logPath string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.ErrorLogger())
	r.Use(Logger())

	t, err := vfstemplate.ParseGlob(http.FS(subx.Templates), nil, "/templates/*")
	if err != nil {
		return nil, fmt.Errorf("error parsing html: %w", err)
	}
	r.SetHTMLTemplate(t)

	r.GET("/", indexHandler(output))

	api := r.Group("/api")
	{
		api.GET("/status", apiStatusHandler(ss))
		api.GET("/log", apiLogHandler(logPath))
		api.GET("/list", apiListHandler(e))
		api.POST("/extract", apiExtractHandler(e))
		api.POST("/sessions/:hash/pause", apiPauseHandler(ss))
		api.POST("/sessions/:hash/resume", apiResumeHandler(ss))
	}

	return r, nil
}

// New serves the web front-end until the server fails.
func New(e Extractor, ss *torrent.Stats, output, logPath string, cfg *config.HTTPGlobal) error {
	r, err := NewRouter(e, ss, output, logPath)
	if err != nil {
		return err
	}

	log.Info().Str("host", fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)).Msg("starting webserver")

	if err := r.Run(fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)); err != nil {
		return fmt.Errorf("error initializing server: %w", err)
	}

	return nil
}

// Logger logs one line per request; successful ones only on debug.
func Logger() gin.HandlerFunc {
	l := log.Logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path += "?" + raw
		}
		c.Next()

		msg := c.Errors.String()
		if msg == "" {
			msg = "request"
		}

		s := c.Writer.Status()
		e := l.Debug()
		switch {
		case s >= 500:
			e = l.Error()
		case s >= 400:
			e = l.Warn()
		}
		e.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", s).
			Dur("latency", time.Since(start)).
			Msg(msg)
	}
}
