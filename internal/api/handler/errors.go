package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobflow/internal/domain"
)

// respondError maps a service error to its HTTP status
func respondError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	var subErr *domain.SubmissionError

	switch {
	case errors.As(err, &subErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": subErr.Error()})
	case domain.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.Error(msg, slog.String("error", err.Error()))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func badRequest(c *gin.Context, logger *slog.Logger, msg string, err error) {
	logger.Warn(msg, slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
