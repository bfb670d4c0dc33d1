package checkpoint

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/config"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// StageState is one row per stage in the stage_states table.
type StageState struct {
	ID      uint8  `gorm:"primaryKey;autoIncrement:false"`
	Name    string `gorm:"type:varchar(20);uniqueIndex"`
	Block   uint64
	Updated time.Time
}

// Postgres stores checkpoints in a shared database so that operators can
// inspect progress with plain SQL.
type Postgres struct {
	g *gorm.DB
}

func OpenPostgres(cfg *config.Postgres) (*Postgres, error) {
	db, err := Connect(cfg)
	if err != nil {
		return nil, err
	}

	logger.Debug("connected to the checkpoint DB")

	if err := db.AutoMigrate(StageState{}); err != nil {
		return nil, errors.Wrap(err, "migrating stage_states")
	}

	return &Postgres{g: db}, nil
}

func Connect(cfg *config.Postgres) (*gorm.DB, error) {
	gormCfg := gorm.Config{
		Logger: gormlogger.Default.LogMode(getGormLogLevel(cfg)),
	}

	return gorm.Open(postgres.Open(formatDSN(cfg)), &gormCfg)
}

func getGormLogLevel(cfg *config.Postgres) gormlogger.LogLevel {
	if cfg.LogQueries {
		return gormlogger.Info
	}

	return gormlogger.Silent
}

func formatDSN(cfg *config.Postgres) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.DBName,
	}

	return u.String()
}

func (p *Postgres) Load(ctx context.Context) (core.Checkpoint, error) {
	var cp core.Checkpoint

	var rows []StageState
	if err := p.g.WithContext(ctx).Find(&rows).Error; err != nil {
		return cp, errors.Wrap(err, "db.Find")
	}

	for _, row := range rows {
		stage := core.StageID(row.ID)
		if !stage.Valid() {
			return cp, errors.Errorf("unknown stage id %d in stage_states", row.ID)
		}

		cp[stage] = row.Block
	}

	return cp, nil
}

func (p *Postgres) Save(ctx context.Context, stage core.StageID, n uint64) error {
	state := StageState{
		ID:      uint8(stage),
		Name:    stage.String(),
		Block:   n,
		Updated: time.Now(),
	}

	return p.g.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"block", "updated"}),
		}).
		Create(&state).
		Error
}

func (p *Postgres) Close() error {
	sqlDB, err := p.g.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
