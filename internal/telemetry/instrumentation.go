package telemetry

import (
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InstrumentDatabase opens a Postgres connection wrapped with
// OpenTelemetry query tracing and pool-stats metrics.
func InstrumentDatabase(driverName, dataSourceName string) (*sql.DB, error) {
	db, err := otelsql.Open(driverName, dataSourceName,
		otelsql.WithAttributes(
			semconv.DBSystemPostgreSQL,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open instrumented database: %w", err)
	}

	if err := otelsql.RegisterDBStatsMetrics(db,
		otelsql.WithAttributes(
			semconv.DBSystemPostgreSQL,
		),
	); err != nil {
		return nil, fmt.Errorf("failed to register database stats: %w", err)
	}
	return db, nil
}

// InstrumentRedisClient adds OpenTelemetry tracing to a Redis client.
func InstrumentRedisClient(client *redis.Client) error {
	if err := redisotel.InstrumentTracing(client); err != nil {
		return fmt.Errorf("failed to instrument redis client: %w", err)
	}
	return nil
}
