package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dropwire/dropwire/internal/dropwire"
	"github.com/dropwire/dropwire/internal/metastore"
)

const (
	ctxUserID = "userID"
	// defaultDestination routes uploads with no explicit destination system.
	defaultDestination = "default"
	keyTimeFormat      = "20060102T150405Z"
)

type uploadRequest struct {
	FileName string `json:"file_name" binding:"required"`
	// FileData is the base64-encoded file body.
	FileData      string `json:"file_data" binding:"required"`
	Comment       string `json:"comment"`
	DestinationID string `json:"destination_id"`
}

type uploadResponse struct {
	FilePath         string `json:"file_path"`
	RegistrationDate string `json:"registration_date"`
}

// authenticate enforces the bearer token and requires a caller identity. The
// identity header stands in for the claims a real token issuer would mint.
func (m *Manager) authenticate(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(m.authToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	c.Set(ctxUserID, userID)
}

func (m *Manager) handleUpload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		m.metrics.uploads.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if strings.ContainsAny(req.FileName, `/\`) {
		m.metrics.uploads.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.FileData)
	if err != nil {
		m.metrics.uploads.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_data is not valid base64"})
		return
	}

	userID := c.GetString(ctxUserID)
	destID := req.DestinationID
	if destID == "" {
		destID = defaultDestination
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("%s/%s/%s/%s", destID, userID, now.Format(keyTimeFormat), req.FileName)

	if err := m.objects.Put(key, data); err != nil {
		m.metrics.uploads.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("key", key).Msg("failed to store uploaded object")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}

	registration := now.Format(time.RFC3339)
	attrs := map[string]string{
		dropwire.AttrOwner:            userID,
		dropwire.AttrRegistrationDate: registration,
		dropwire.AttrContentLength:    strconv.Itoa(len(data)),
		dropwire.AttrDestinationID:    destID,
	}
	if req.Comment != "" {
		attrs[dropwire.AttrComment] = req.Comment
	}

	rec, err := m.meta.Put(key, attrs)
	if err != nil {
		if errors.Is(err, metastore.ErrDuplicateKey) {
			m.metrics.uploads.WithLabelValues("conflict").Inc()
			c.JSON(http.StatusConflict, gin.H{"error": "file already registered"})
			return
		}
		m.metrics.uploads.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("key", key).Msg("failed to register upload metadata")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register file"})
		return
	}

	m.metrics.uploads.WithLabelValues("success").Inc()
	m.metrics.uploadBytes.Add(float64(len(data)))
	log.Info().Str("key", rec.Key).Str("owner", userID).Int("bytes", len(data)).
		Msg("upload accepted")

	c.JSON(http.StatusCreated, uploadResponse{
		FilePath:         rec.Key,
		RegistrationDate: registration,
	})
}

func (m *Manager) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
