package database

import (
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database instance
var DB *gorm.DB

// Connect establishes a connection to the PostgreSQL database
func Connect(dsn string, logLevel logger.LogLevel) error {
	var err error

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("Database connection established")
	return nil
}

// AutoMigrate runs database migrations
func AutoMigrate() error {
	log.Println("Running database migrations...")

	err := DB.AutoMigrate(
		&AgentSettings{},
		&AgentIssue{},
		&AgentAction{},
		&HealthCheck{},
		&Practice{},
		&CallLog{},
		&IngestKeySettings{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// InitializeDefaults creates default records if they don't exist
func InitializeDefaults() error {
	log.Println("Initializing default database records...")

	var count int64
	DB.Model(&AgentSettings{}).Count(&count)
	if count == 0 {
		defaultSettings := &AgentSettings{
			Active:                 false, // Disabled until an operator turns it on
			AutonomyLevel:          1,
			RequireStagingApproval: true,
			ProtectedFiles: StringList{
				".env*",
				"**/migrations/**",
				"go.mod",
				"go.sum",
			},
			MaxDeploysPerDay: 5,
		}
		if err := DB.Create(defaultSettings).Error; err != nil {
			return fmt.Errorf("failed to create default agent settings: %w", err)
		}
		log.Println("Created default agent settings (inactive, autonomy level 1)")
	}

	return nil
}

// GetAgentSettings retrieves the singleton agent settings row
func GetAgentSettings(db *gorm.DB) (*AgentSettings, error) {
	var settings AgentSettings
	if err := db.First(&settings).Error; err != nil {
		return nil, err
	}
	return &settings, nil
}

// UpdateAgentSettings updates the agent settings row
func UpdateAgentSettings(db *gorm.DB, settings *AgentSettings) error {
	return db.Save(settings).Error
}

// GetIngestKeySettings retrieves the ingest key settings row
func GetIngestKeySettings(db *gorm.DB) (*IngestKeySettings, error) {
	var settings IngestKeySettings
	if err := db.First(&settings).Error; err != nil {
		return nil, err
	}
	return &settings, nil
}

// UpdateIngestKeySettings updates the ingest key settings row
func UpdateIngestKeySettings(db *gorm.DB, settings *IngestKeySettings) error {
	return db.Save(settings).Error
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

// Close closes the database connection
func Close() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
