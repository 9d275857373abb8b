package utils

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetupLogging(t *testing.T) {
	// Test with default log level
	logger := SetupLogging("")
	if logger == nil {
		t.Fatal("Expected logger to be created, got nil")
	}

	// Test with specific log level
	logger = SetupLogging("debug")
	if logger.Level != logrus.DebugLevel {
		t.Errorf("Expected log level to be debug, got %s", logger.Level)
	}

	logger = SetupLogging("warn")
	if logger.Level != logrus.WarnLevel {
		t.Errorf("Expected log level to be warn, got %s", logger.Level)
	}

	// Test with invalid log level (should default to info)
	logger = SetupLogging("invalid")
	if logger.Level != logrus.InfoLevel {
		t.Errorf("Expected log level to be info for invalid input, got %s", logger.Level)
	}
}

func TestSetupLoggingFromEnvironment(t *testing.T) {
	os.Setenv("SYNCCHANGES_LOG_LEVEL", "error")
	defer os.Unsetenv("SYNCCHANGES_LOG_LEVEL")

	logger := SetupLogging("")
	if logger.Level != logrus.ErrorLevel {
		t.Errorf("Expected log level to come from the environment, got %s", logger.Level)
	}

	// An explicit parameter wins over the environment
	logger = SetupLogging("debug")
	if logger.Level != logrus.DebugLevel {
		t.Errorf("Expected the explicit level to win, got %s", logger.Level)
	}
}

func TestGetEnvInt(t *testing.T) {
	// Test with environment variable set
	os.Setenv("TEST_ENV_INT", "42")
	value := GetEnvInt("TEST_ENV_INT", 10)
	if value != 42 {
		t.Errorf("Expected value to be 42, got %d", value)
	}

	// Test with environment variable not set
	os.Unsetenv("TEST_ENV_INT")
	value = GetEnvInt("TEST_ENV_INT", 10)
	if value != 10 {
		t.Errorf("Expected value to be 10 (default), got %d", value)
	}

	// Test with invalid integer
	os.Setenv("TEST_ENV_INT", "not-an-int")
	value = GetEnvInt("TEST_ENV_INT", 10)
	if value != 10 {
		t.Errorf("Expected value to be 10 (default) for invalid input, got %d", value)
	}
	os.Unsetenv("TEST_ENV_INT")
}

func TestLoadEnvironmentVariables(t *testing.T) {
	logger := SetupLogging("fatal")

	// A missing file is not an error
	LoadEnvironmentVariables("does-not-exist.env", logger)

	// An existing file is loaded
	f, err := os.CreateTemp(t.TempDir(), "*.env")
	if err != nil {
		t.Fatalf("Expected temp file to be created, got %v", err)
	}
	if _, err := f.WriteString("SYNCCHANGES_TEST_VALUE=loaded\n"); err != nil {
		t.Fatalf("Expected write to succeed, got %v", err)
	}
	f.Close()

	LoadEnvironmentVariables(f.Name(), logger)
	if os.Getenv("SYNCCHANGES_TEST_VALUE") != "loaded" {
		t.Error("Expected the .env file to be loaded")
	}
	os.Unsetenv("SYNCCHANGES_TEST_VALUE")
}
