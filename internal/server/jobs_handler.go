package server

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	jobdomain "github.com/tiffinly/tiffinly/internal/job/domain"
	"go.uber.org/zap"
)

// runJob executes one trigger of a job type synchronously and returns its
// result summary. The external scheduler calls this on cron cadence.
func (s *Server) runJob(c *gin.Context) {
	jobType := jobdomain.Type(c.Param("type"))

	result, err := s.jobs.Run(c.Request.Context(), jobType)
	if err != nil {
		switch {
		case errors.Is(err, jobdomain.ErrInvalidJobType):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown job type"})
		case errors.Is(err, jobdomain.ErrJobAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "job already running"})
		default:
			s.log.Error("job run failed", zap.String("job", string(jobType)), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) getJob(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	job, err := s.jobEngine.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, jobdomain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, job)
}
