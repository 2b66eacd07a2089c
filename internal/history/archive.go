// Package history is the optional Postgres archive of ingested States and
// wifi-scans (spec.md §6 "persisted state" / §9). Every method is a no-op
// when no DSN is configured — the core must run correctly with history
// disabled entirely (spec.md §6).
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/openwifi-rrm/rrmd/internal/datamodel"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("history: zstd encoder init: %v", err))
	}
}

// Config configures the optional archive. DSN == "" disables it entirely.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MigrationsDir   string
	RetentionDays   int
	Timezone        string
	CompressPayload bool
}

func DefaultConfig() Config {
	return Config{
		MaxConns:      10,
		MinConns:      1,
		MigrationsDir: "internal/history/migrations",
		RetentionDays: 30,
		Timezone:      "UTC",
	}
}

// Archive persists ingested telemetry for later analysis. A zero-value
// Archive (pool == nil) is the fully-disabled state.
type Archive struct {
	pool            *pgxpool.Pool
	partitions      *PartitionManager
	logger          *zap.Logger
	compressPayload bool
}

// Open connects and migrates the archive, or returns a disabled Archive if
// cfg.DSN is empty.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Archive, error) {
	if cfg.DSN == "" {
		logger.Info("history archive disabled, no DSN configured")
		return &Archive{logger: logger}, nil
	}

	pool, err := newPool(ctx, cfg.DSN, cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, fmt.Errorf("history: connecting: %w", err)
	}

	if err := runMigrations(ctx, pool, cfg.MigrationsDir, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrating: %w", err)
	}

	pm := newPartitionManager(pool, cfg.RetentionDays, cfg.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Warn("initial partition maintenance failed, will retry on next scheduled pass", zap.Error(err))
	}

	return &Archive{pool: pool, partitions: pm, logger: logger, compressPayload: cfg.CompressPayload}, nil
}

// Enabled reports whether a DSN was configured.
func (a *Archive) Enabled() bool { return a.pool != nil }

func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Ping reports the archive's health for /readyz. A disabled archive is
// always healthy — it has nothing to be unhealthy about.
func (a *Archive) Ping(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping(ctx)
}

// WriteState archives one ingested State. No-op if the archive is disabled.
func (a *Archive) WriteState(ctx context.Context, serial string, s datamodel.State) error {
	if a.pool == nil {
		return nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("history: marshaling state: %w", err)
	}
	ingestedAt := s.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = datamodel.Now()
	}
	raw, compressed := a.encodePayload(payload)
	_, err = a.pool.Exec(ctx,
		`INSERT INTO state_history (serial, ingested_at, payload, payload_compressed) VALUES ($1, $2, $3, $4)`,
		serial, ingestedAt, raw, compressed)
	if err != nil {
		return fmt.Errorf("history: writing state: %w", err)
	}
	return nil
}

// encodePayload returns either the raw JSON payload (payload column) or its
// zstd-compressed form (payload_compressed column), depending on
// compressPayload — mirroring the teacher's optional raw-bytes compression,
// never both.
func (a *Archive) encodePayload(payload []byte) (raw, compressed []byte) {
	if a.compressPayload {
		return nil, zstdEncoder.EncodeAll(payload, nil)
	}
	return payload, nil
}

// WriteWifiScan archives one ingested wifi-scan result.
func (a *Archive) WriteWifiScan(ctx context.Context, serial string, entries []datamodel.WifiScanEntry, ingestedAt time.Time) error {
	if a.pool == nil {
		return nil
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("history: marshaling wifiscan: %w", err)
	}
	if ingestedAt.IsZero() {
		ingestedAt = datamodel.Now()
	}
	raw, compressed := a.encodePayload(payload)
	_, err = a.pool.Exec(ctx,
		`INSERT INTO wifiscan_history (serial, ingested_at, payload, payload_compressed) VALUES ($1, $2, $3, $4)`,
		serial, ingestedAt, raw, compressed)
	if err != nil {
		return fmt.Errorf("history: writing wifiscan: %w", err)
	}
	return nil
}

// RunMaintenance ensures tomorrow's partitions exist and drops anything
// past retention. No-op if the archive is disabled. Nothing in this module
// schedules it; Open runs one maintenance pass at startup.
func (a *Archive) RunMaintenance(ctx context.Context) error {
	if a.partitions == nil {
		return nil
	}
	return a.partitions.Run(ctx)
}
