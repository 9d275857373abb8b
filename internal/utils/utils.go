package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/othman-fayed/SyncChanges/pkg/models"
)

// SetupLogging configures the logging system
func SetupLogging(logLevel string) *logrus.Logger {
	// Create a new logger
	logger := logrus.New()

	// Get log level from environment variable or parameter
	levelStr := logLevel
	if levelStr == "" {
		levelStr = os.Getenv("SYNCCHANGES_LOG_LEVEL")
		if levelStr == "" {
			levelStr = "info"
		}
	}

	// Parse log level
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}

	// Configure logger
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stdout)

	return logger
}

// LoadEnvironmentVariables loads environment variables from a .env file if
// it exists
func LoadEnvironmentVariables(envFile string, logger *logrus.Logger) {
	if _, err := os.Stat(envFile); err != nil {
		logger.Debugf("No %s file found, using existing environment variables", envFile)
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		logger.Warningf("Error loading %s file: %v", envFile, err)
	} else {
		logger.Infof("Loaded environment variables from %s", envFile)
	}
}

// GetEnvInt gets an integer value from an environment variable
func GetEnvInt(varName string, defaultValue int) int {
	value := os.Getenv(varName)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// PrintSchemaAnalysis prints a detailed analysis of the replicated schema
func PrintSchemaAnalysis(sourceName string, tables []*models.TableDescriptor) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Printf("REPLICATION SCHEMA ANALYSIS: %s\n", sourceName)
	fmt.Println(strings.Repeat("=", 80))

	tablesWithFKs := 0
	tablesWithIdentity := 0
	for _, t := range tables {
		if len(t.ForeignKeys) > 0 {
			tablesWithFKs++
		}
		if t.HasIdentity {
			tablesWithIdentity++
		}
	}

	fmt.Println("\n1. BASIC STATISTICS")
	fmt.Printf("   Change-tracked tables: %d\n", len(tables))
	fmt.Printf("   Tables with foreign keys: %d\n", tablesWithFKs)
	fmt.Printf("   Tables with identity columns: %d\n", tablesWithIdentity)

	fmt.Println("\n2. REPLICATION ORDER")
	for _, t := range tables {
		attrs := []string{fmt.Sprintf("%d keys", len(t.KeyColumns))}
		if t.HasIdentity {
			attrs = append(attrs, "identity")
		}
		if len(t.ForeignKeys) > 0 {
			attrs = append(attrs, fmt.Sprintf("%d FKs", len(t.ForeignKeys)))
		}
		fmt.Printf("   %3d. %s (%s, min valid version %d)\n",
			t.DependencyOrder, t.Name(), strings.Join(attrs, ", "), t.MinValidVersion)
	}

	fmt.Println("\n3. FOREIGN KEY EDGES")
	edges := 0
	for _, t := range tables {
		for _, fk := range t.ForeignKeys {
			fmt.Printf("   %s: %s -> %s\n", fk.Name, t.Name(), fk.ReferencedTableName)
			edges++
		}
	}
	if edges == 0 {
		fmt.Println("   (none)")
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
}
