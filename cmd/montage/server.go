package main

import (
	"context"
	"embed"
	"html/template"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/chriskillpack/montage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const maxUploadMemory = 32 << 20

var (
	//go:embed tmpl/*.html
	tmplFS embed.FS

	indexTmpl = template.Must(template.ParseFS(tmplFS, "tmpl/index.html"))
)

type Server struct {
	hs     *http.Server
	m      *montage.Montage
	db     *montage.DB // optional
	logger *slog.Logger
}

func NewServer(m *montage.Montage, db *montage.DB, port string, logger *slog.Logger) *Server {
	srv := &Server{
		m:      m,
		db:     db,
		logger: logger,
	}

	srv.hs = &http.Server{
		Addr:    net.JoinHostPort("0.0.0.0", port),
		Handler: srv.serveHandler(),
	}

	return srv
}

func (s *Server) Start() error {
	s.logger.Info("serving", "addr", s.hs.Addr)
	if err := s.hs.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.hs.Shutdown(ctx)
}

func (s *Server) serveHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.MaxMultipartMemory = maxUploadMemory
	engine.Use(gin.Recovery())
	engine.Use(s.logging())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	engine.GET("/", s.serveRoot())
	engine.GET("/health", s.serveHealth())
	engine.GET("/config", s.serveConfig())
	engine.POST("/summarize", s.serveSummarize())
	engine.GET("/runs", s.serveRuns())
	engine.GET("/runs/:id", s.serveRun())

	return engine
}

func (s *Server) logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) serveRoot() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/html; charset=utf-8")
		if err := indexTmpl.Execute(c.Writer, s.m.Info()); err != nil {
			s.logger.Error("rendering index", "err", err)
		}
	}
}

func (s *Server) serveHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.m.IsHealthy(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "provider": s.m.Provider()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "provider": s.m.Provider()})
	}
}

func (s *Server) serveConfig() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.m.Info())
	}
}

func (s *Server) serveSummarize() gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expected multipart form with images"})
			return
		}
		files := form.File["images"]
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no images uploaded"})
			return
		}

		images := make([]montage.ImageRef, 0, len(files))
		for _, fh := range files {
			ref, err := readUpload(fh)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			images = append(images, ref)
		}

		res := s.m.ProcessImages(c.Request.Context(), images)
		if s.db != nil {
			if err := s.db.SaveRun(context.WithoutCancel(c.Request.Context()), res); err != nil {
				s.logger.Error("saving run", "run", res.ID, "err", err)
			}
		}

		c.JSON(http.StatusOK, res)
	}
}

// readUpload loads an uploaded file into memory. The format is always sniffed
// from the content, never trusted from the filename.
func readUpload(fh *multipart.FileHeader) (montage.ImageRef, error) {
	f, err := fh.Open()
	if err != nil {
		return montage.ImageRef{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return montage.ImageRef{}, err
	}
	return montage.NewImageRefFromBytes(fh.Filename, data, "")
}

func (s *Server) serveRuns() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.db == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run history is disabled"})
			return
		}

		limit := 20
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
		}

		runs, err := s.db.Runs(c.Request.Context(), limit)
		if err != nil {
			s.logger.Error("listing runs", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": http.StatusText(http.StatusInternalServerError)})
			return
		}
		if runs == nil {
			runs = []montage.RunSummary{}
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

func (s *Server) serveRun() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.db == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run history is disabled"})
			return
		}

		outcomes, err := s.db.RunOutcomes(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.logger.Error("loading run", "run", c.Param("id"), "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": http.StatusText(http.StatusInternalServerError)})
			return
		}
		if len(outcomes) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "outcomes": outcomes})
	}
}
