package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/driver/clickhouse"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Run statuses.
const (
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// IngestionRun is the history record of one pipeline run.
type IngestionRun struct {
	RunID         string    `gorm:"column:run_id;primaryKey" json:"run_id"`
	StartedAt     time.Time `gorm:"column:started_at;type:DateTime" json:"started_at"`
	FinishedAt    time.Time `gorm:"column:finished_at;type:DateTime" json:"finished_at"`
	Table         string    `gorm:"column:target_table" json:"table"`
	Classes       string    `gorm:"column:classes" json:"classes"`
	FailedClasses string    `gorm:"column:failed_classes" json:"failed_classes"`
	Fetched       uint64    `gorm:"column:fetched;type:UInt64" json:"fetched"`
	Inserted      int64     `gorm:"column:inserted;type:Int64" json:"inserted"`
	Status        string    `gorm:"column:status" json:"status"`
	Error         string    `gorm:"column:error" json:"error,omitempty"`
}

func (IngestionRun) TableName() string {
	return "ingestion_runs"
}

func (IngestionRun) TableOptions() string {
	return "ENGINE = ReplacingMergeTree() ORDER BY (run_id)"
}

// RunRepository stores the run history.
type RunRepository interface {
	Record(ctx context.Context, run *IngestionRun) error
	Latest(ctx context.Context, limit int) ([]IngestionRun, error)
}

type gormRunRepository struct {
	db *gorm.DB
}

// OpenGorm opens a gorm session over the clickhouse driver.
func OpenGorm(dsn string) (*gorm.DB, error) {
	return gorm.Open(clickhouse.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

// CloseGorm closes the connection pool behind db.
func CloseGorm(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func NewGormRunRepository(db *gorm.DB) RunRepository {
	return &gormRunRepository{db: db}
}

func (r *gormRunRepository) Record(ctx context.Context, run *IngestionRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *gormRunRepository) Latest(ctx context.Context, limit int) ([]IngestionRun, error) {
	var runs []IngestionRun
	err := r.db.WithContext(ctx).Order("started_at desc").Limit(limit).Find(&runs).Error
	return runs, err
}

// MemoryRunRepository keeps runs in process memory.
type MemoryRunRepository struct {
	mu   sync.Mutex
	runs []IngestionRun
}

func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{}
}

func (r *MemoryRunRepository) Record(_ context.Context, run *IngestionRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	return nil
}

func (r *MemoryRunRepository) Latest(_ context.Context, limit int) ([]IngestionRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]IngestionRun(nil), r.runs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
