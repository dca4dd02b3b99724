package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"path/filepath"
	"time"
)

// DatabaseMaintenanceTask compacts the gateway database and refreshes
// query planner statistics.
type DatabaseMaintenanceTask struct {
	db          *sql.DB
	dbPath      string
	thresholdMB int64
	backup      bool
	logger      *log.Logger
	now         func() time.Time
}

// NewDatabaseMaintenanceTask creates a new database maintenance task. VACUUM
// runs only once the database exceeds thresholdMB; backups are written next
// to dbPath.
func NewDatabaseMaintenanceTask(db *sql.DB, dbPath string, thresholdMB int64, backup bool, logger *log.Logger) *DatabaseMaintenanceTask {
	if logger == nil {
		logger = log.Default()
	}

	return &DatabaseMaintenanceTask{
		db:          db,
		dbPath:      dbPath,
		thresholdMB: thresholdMB,
		backup:      backup,
		logger:      logger,
		now:         time.Now,
	}
}

func (t *DatabaseMaintenanceTask) Name() string { return "database_maintenance" }

func (t *DatabaseMaintenanceTask) Description() string {
	return "Perform database optimization operations (VACUUM, ANALYZE, PRAGMA optimize)"
}

// Execute runs the database maintenance task
func (t *DatabaseMaintenanceTask) Execute(ctx context.Context) TaskResult {
	dbSize, err := t.databaseSize(ctx)
	if err != nil {
		return failed("Failed to get database size", err)
	}
	dbSizeMB := dbSize / (1024 * 1024)

	var reclaimed int64
	if dbSizeMB >= t.thresholdMB {
		if t.backup {
			if res := t.createBackup(ctx); !res.Success {
				return res
			}
		}
		res := t.performVacuum(ctx, dbSize)
		if !res.Success {
			return res
		}
		reclaimed = res.SpaceReclaimed
	}

	if res := t.optimizeIndexes(ctx); !res.Success {
		return res
	}

	msg := fmt.Sprintf("Database maintenance completed. Database size: %.1f MB", float64(dbSize)/(1024*1024))
	if reclaimed > 0 {
		msg += fmt.Sprintf(", space reclaimed: %.1f MB", float64(reclaimed)/(1024*1024))
	}
	return TaskResult{Success: true, SpaceReclaimed: reclaimed, Message: msg}
}

func (t *DatabaseMaintenanceTask) databaseSize(ctx context.Context) (int64, error) {
	var size int64
	err := t.db.QueryRowContext(ctx,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
	).Scan(&size)
	return size, err
}

// BackupPath is where a backup taken at ts is written.
func (t *DatabaseMaintenanceTask) BackupPath(ts time.Time) string {
	return fmt.Sprintf("%s.backup.%s", t.dbPath, ts.Format("20060102-150405"))
}

func (t *DatabaseMaintenanceTask) createBackup(ctx context.Context) TaskResult {
	if t.dbPath == "" {
		return failed("Cannot create backup: database path not available", nil)
	}

	backupPath := filepath.Clean(t.BackupPath(t.now()))
	if _, err := t.db.ExecContext(ctx, "VACUUM INTO ?", backupPath); err != nil {
		return failed("Failed to back up database", err)
	}

	t.logger.Printf("[DatabaseMaintenance] Created backup: %s", backupPath)
	return TaskResult{Success: true, Message: "Created backup: " + backupPath}
}

func (t *DatabaseMaintenanceTask) performVacuum(ctx context.Context, initialSize int64) TaskResult {
	t.logger.Println("[DatabaseMaintenance] Starting VACUUM operation...")

	if _, err := t.db.ExecContext(ctx, "VACUUM"); err != nil {
		return failed("VACUUM operation failed", err)
	}

	finalSize, _ := t.databaseSize(ctx)
	reclaimed := max(initialSize-finalSize, 0)

	t.logger.Printf("[DatabaseMaintenance] VACUUM completed. Space reclaimed: %.1f MB",
		float64(reclaimed)/(1024*1024))

	return TaskResult{Success: true, SpaceReclaimed: reclaimed, Message: "VACUUM operation completed successfully"}
}

// optimizeIndexes refreshes planner statistics; the owner index used by the
// history feed depends on them.
func (t *DatabaseMaintenanceTask) optimizeIndexes(ctx context.Context) TaskResult {
	if _, err := t.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return failed("Index analysis failed", err)
	}

	if _, err := t.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		// not fatal
		t.logger.Printf("[DatabaseMaintenance] Warning: PRAGMA optimize failed: %v", err)
	}

	return TaskResult{Success: true, Message: "Index optimization completed successfully"}
}
