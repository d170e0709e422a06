package server

import (
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	if err := s.checkStoreWritable(); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":       "unhealthy",
			"failed_check": "store",
			"error":        err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ready",
		"results": s.registry.Len(),
	})
}

func (s *Server) checkStoreWritable() error {
	f, err := os.CreateTemp(s.store.Dir(), ".ready-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
