package database

import (
	"context"
	"fmt"
	"time"

	"github.com/sdko-org/linkproxy/internal/audit"
	"github.com/sdko-org/linkproxy/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type PostgresConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	DBName   string
	SSLMode  string
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

func NewPostgresDB(logger *logrus.Logger, cfg PostgresConfig) (*gorm.DB, error) {
	log := logger.WithFields(logrus.Fields{
		"component": "database",
		"host":      cfg.Host,
		"database":  cfg.DBName,
	})

	var db *gorm.DB
	var err error
	const maxRetries = 5
	retryDelay := 2 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{})
		if err == nil {
			break
		}

		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Warn("Database connection failed")

		if attempt < maxRetries {
			time.Sleep(retryDelay)
			retryDelay *= 2
		}
	}

	if err != nil {
		log.WithError(err).Error("Failed to connect to database after retries")
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	if err := db.AutoMigrate(&models.ConnectionLog{}); err != nil {
		log.WithError(err).Error("Database migration failed")
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	log.Info("Database connection established")
	return db, nil
}

// ConnectionArchive writes audit entries to the connection_logs table. It is
// write-only; nothing is loaded back into memory at startup.
type ConnectionArchive struct {
	db *gorm.DB
}

func NewConnectionArchive(db *gorm.DB) *ConnectionArchive {
	return &ConnectionArchive{db: db}
}

func (a *ConnectionArchive) Archive(ctx context.Context, e audit.Entry) error {
	row := ToConnectionLog(e)
	if err := a.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert connection log: %w", err)
	}
	return nil
}

// ToConnectionLog maps an audit entry onto its table row. Malformed timestamps
// keep their raw text and fall back to the zero time.
func ToConnectionLog(e audit.Entry) models.ConnectionLog {
	ts, _ := e.Time()
	return models.ConnectionLog{
		ID:          e.ID,
		Timestamp:   ts.UTC(),
		RawTime:     e.Timestamp,
		EventType:   e.EventType,
		ClientIP:    e.Address,
		Country:     e.Country,
		CountryName: e.CountryName,
		AccessKey:   e.Key,
		UserAgent:   e.UserAgent,
	}
}
