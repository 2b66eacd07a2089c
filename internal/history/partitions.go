package history

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var validPartitionName = regexp.MustCompile(`^(state|wifiscan)_history_\d{8}$`)

// partitionedTables are the two date-partitioned archive tables (spec.md
// §4.10): one row per ingested State, one row per ingested wifi-scan.
var partitionedTables = []string{"state_history", "wifiscan_history"}

// PartitionManager keeps state_history and wifiscan_history supplied with
// today's and tomorrow's partitions and drops anything past retention.
type PartitionManager struct {
	pool          *pgxpool.Pool
	retentionDays int
	timezone      string
	logger        *zap.Logger
}

func newPartitionManager(pool *pgxpool.Pool, retentionDays int, timezone string, logger *zap.Logger) *PartitionManager {
	return &PartitionManager{pool: pool, retentionDays: retentionDays, timezone: timezone, logger: logger}
}

func (pm *PartitionManager) Run(ctx context.Context) error {
	if err := pm.createPartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := pm.dropOldPartitions(ctx); err != nil {
		return fmt.Errorf("dropping old partitions: %w", err)
	}
	return nil
}

func (pm *PartitionManager) createPartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}

	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)
	dayAfter := today.AddDate(0, 0, 2)

	for _, table := range partitionedTables {
		if err := pm.createPartition(ctx, table, today, tomorrow); err != nil {
			return err
		}
		if err := pm.createPartition(ctx, table, tomorrow, dayAfter); err != nil {
			return err
		}
	}
	return nil
}

func (pm *PartitionManager) createPartition(ctx context.Context, table string, from, to time.Time) error {
	name := fmt.Sprintf("%s_%s", table, from.Format("20060102"))
	safeName := pgx.Identifier{name}.Sanitize()
	fromStr := from.UTC().Format("2006-01-02 15:04:05+00")
	toStr := to.UTC().Format("2006-01-02 15:04:05+00")

	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		safeName, table, fromStr, toStr,
	)
	if _, err := pm.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}
	pm.logger.Info("partition ensured", zap.String("partition", name))

	safeIdx := pgx.Identifier{fmt.Sprintf("idx_%s_serial_time", name)}.Sanitize()
	idxSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (serial, ingested_at DESC)`, safeIdx, safeName)
	if _, err := pm.pool.Exec(ctx, idxSQL); err != nil {
		return fmt.Errorf("creating serial_time index on %s: %w", name, err)
	}

	return nil
}

func (pm *PartitionManager) dropOldPartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}

	cutoff := time.Now().In(loc).AddDate(0, 0, -pm.retentionDays)
	cutoffDate := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, loc)

	for _, table := range partitionedTables {
		rows, err := pm.pool.Query(ctx,
			`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = $1::regclass`, table)
		if err != nil {
			return fmt.Errorf("listing partitions of %s: %w", table, err)
		}

		var partitions []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return fmt.Errorf("scanning partition name: %w", err)
			}
			partitions = append(partitions, name)
		}
		scanErr := rows.Err()
		rows.Close()
		if scanErr != nil {
			return fmt.Errorf("iterating partitions of %s: %w", table, scanErr)
		}

		for _, name := range partitions {
			if !validPartitionName.MatchString(name) {
				pm.logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
				continue
			}

			dateStr := name[len(name)-8:]
			partDate, err := time.ParseInLocation("20060102", dateStr, loc)
			if err != nil {
				pm.logger.Warn("cannot parse partition date", zap.String("partition", name))
				continue
			}

			if partDate.Before(cutoffDate) {
				safeName := pgx.Identifier{name}.Sanitize()
				if _, err := pm.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", safeName)); err != nil {
					return fmt.Errorf("dropping partition %s: %w", name, err)
				}
				pm.logger.Info("dropped old partition", zap.String("partition", name), zap.Time("cutoff", cutoffDate))
			}
		}
	}

	return nil
}
