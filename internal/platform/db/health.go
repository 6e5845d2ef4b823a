package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is a JSON view of pgxpool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireDuration string `json:"acquire_duration"`
}

// SchemaState summarizes migrations for the schema holding the status caches.
type SchemaState struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Pending []int  `json:"pending,omitempty"`
}

// HealthReport is the body of /health/db. Status is "healthy", "unreachable"
// when the ping fails, or "migrations_pending" when the status cache tables
// may not match the running binary.
type HealthReport struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	Pool   PoolStats    `json:"pool"`
	Schema *SchemaState `json:"schema,omitempty"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		TotalConns:      s.TotalConns(),
		IdleConns:       s.IdleConns(),
		AcquiredConns:   s.AcquiredConns(),
		MaxConns:        s.MaxConns(),
		AcquireDuration: s.AcquireDuration().String(),
	}
}

// schemaState reduces migration statuses to the highest applied version and
// the versions still to run.
func schemaState(name string, statuses []MigrationStatus) *SchemaState {
	st := &SchemaState{Name: name}
	for _, s := range statuses {
		if s.Applied {
			if s.Version > st.Version {
				st.Version = s.Version
			}
			continue
		}
		st.Pending = append(st.Pending, s.Version)
	}
	return st
}

func newHealthReport(stats PoolStats, pingErr error, schema *SchemaState, schemaErr error) (int, HealthReport) {
	r := HealthReport{Status: "healthy", Pool: stats, Schema: schema}
	switch {
	case pingErr != nil:
		r.Status, r.Error = "unreachable", pingErr.Error()
		return http.StatusServiceUnavailable, r
	case schemaErr != nil:
		r.Status, r.Error = "unhealthy", schemaErr.Error()
		return http.StatusServiceUnavailable, r
	case schema != nil && len(schema.Pending) > 0:
		r.Status = "migrations_pending"
		return http.StatusServiceUnavailable, r
	}
	return http.StatusOK, r
}

// HealthHandler pings the database and, when m is set, checks that every
// migration has been applied to schema.
func HealthHandler(pool *pgxpool.Pool, m *Migrator, schema string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		pingErr := pool.Ping(ctx)
		var (
			state     *SchemaState
			schemaErr error
		)
		if pingErr == nil && m != nil {
			var statuses []MigrationStatus
			if statuses, schemaErr = m.Status(ctx, schema); schemaErr == nil {
				state = schemaState(schema, statuses)
			}
		}
		code, report := newHealthReport(poolStats(pool), pingErr, state, schemaErr)
		return c.JSON(code, report)
	}
}
