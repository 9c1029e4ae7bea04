package db

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthCheck describes how to probe whichever store backs the service.
// A nil Ping always reports healthy.
type HealthCheck struct {
	Driver string
	Ping   func(ctx context.Context) error
	Stats  func() any
}

func PGHealthCheck(pool *pgxpool.Pool) HealthCheck {
	return HealthCheck{
		Driver: "postgres",
		Ping:   pool.Ping,
		Stats:  func() any { return GetPoolStats(pool) },
	}
}

func SQLHealthCheck(driver string, sqlDB *sql.DB) HealthCheck {
	return HealthCheck{
		Driver: driver,
		Ping:   sqlDB.PingContext,
		Stats:  func() any { return sqlDB.Stats() },
	}
}

// HealthHandler returns a handler for the database health check endpoint.
func HealthHandler(hc HealthCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		body := map[string]interface{}{"driver": hc.Driver}
		if hc.Stats != nil {
			body["pool"] = hc.Stats()
		}

		if hc.Ping != nil {
			if err := hc.Ping(ctx); err != nil {
				body["status"] = "unhealthy"
				body["error"] = err.Error()
				return c.JSON(http.StatusServiceUnavailable, body)
			}
		}

		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
