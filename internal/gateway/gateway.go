// Package gateway is the HTTP front door: authenticated uploads in, one
// object write plus one metadata record out. Everything after the 201 —
// change propagation, dispatch, processing — is asynchronous and invisible
// to the uploader.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropwire/dropwire/internal/dropwire"
)

type metadataStore interface {
	Put(key string, attributes map[string]string) (*dropwire.MetadataRecord, error)
}

type objectStore interface {
	Put(key string, data []byte) error
}

type Manager struct {
	router    *gin.Engine
	server    *http.Server
	meta      metadataStore
	objects   objectStore
	authToken string
	metrics   *Metrics
}

type Config struct {
	Address string
	Port    int
	// AuthToken is the bearer token every upload request must present.
	AuthToken string
	Metadata  metadataStore
	Objects   objectStore
	// Metrics overrides the shared collectors, mainly for tests.
	Metrics *Metrics
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Address == "" {
		errGrp = append(errGrp, errors.New("address cannot be empty"))
	}
	if c.Port <= 0 {
		errGrp = append(errGrp, fmt.Errorf("invalid port: %d", c.Port))
	}
	if c.AuthToken == "" {
		errGrp = append(errGrp, errors.New("auth token cannot be empty"))
	}
	if c.Metadata == nil {
		errGrp = append(errGrp, errors.New("metadata store cannot be nil"))
	}
	if c.Objects == nil {
		errGrp = append(errGrp, errors.New("object store cannot be nil"))
	}
	return errors.Join(errGrp...)
}

func New(cfg *Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	m := &Manager{
		router:    router,
		meta:      cfg.Metadata,
		objects:   cfg.Objects,
		authToken: cfg.AuthToken,
		metrics:   cfg.Metrics,
	}
	if m.metrics == nil {
		m.metrics = defaultMetrics()
	}
	m.routes()

	m.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return m, nil
}

func (m *Manager) routes() {
	m.router.GET("/healthz", m.handleHealth)
	m.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	m.router.POST("/upload", m.authenticate, m.handleUpload)
}

// Start serves until Stop is called. It blocks, so the app runner owns the
// goroutine.
func (m *Manager) Start() error {
	err := m.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (m *Manager) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}

func (m *Manager) Name() string {
	return "Upload Gateway"
}
