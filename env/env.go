// Package env loads the rig daemon's process configuration from the
// environment, with .env support for bench setups.
package env

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Environment struct {
	// Serial ports.
	MotorPort string
	MotorBaud int
	ScalePort string
	ScaleBaud int

	// RigConfig is the path of the rig YAML document.
	RigConfig string

	// HistoryDB is the sqlite path for the dose history store.
	HistoryDB string

	// MetricsAddr is the Prometheus listen address. Empty disables the
	// endpoint.
	MetricsAddr string

	// AMQP telemetry. Empty URI disables publishing.
	URI        string
	Exchange   string
	DeviceID   string
	InstanceID string
}

// LoadEnv reads the daemon environment. Missing required variables are
// fatal; tuning variables fall back to the rig defaults.
func LoadEnv(logger *zap.Logger) *Environment {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file", zap.Error(err))
	}
	return &Environment{
		MotorPort:   require(logger, "MOTOR_PORT"),
		MotorBaud:   intEnv(logger, "MOTOR_BAUD", 115200),
		ScalePort:   require(logger, "SCALE_PORT"),
		ScaleBaud:   intEnv(logger, "SCALE_BAUD", 9600),
		RigConfig:   require(logger, "RIG_CONFIG"),
		HistoryDB:   stringEnv("HISTORY_DB", "doser.db"),
		MetricsAddr: stringEnv("METRICS_ADDR", ""),
		URI:         stringEnv("RABBITMQ_URI", ""),
		Exchange:    stringEnv("AMQP_EXCHANGE", "doser"),
		DeviceID:    stringEnv("DEVICE_ID", ""),
		InstanceID:  stringEnv("INSTANCE_ID", ""),
	}
}

func require(logger *zap.Logger, key string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		logger.Fatal(key + " not set")
	}
	return v
}

func stringEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func intEnv(logger *zap.Logger, key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Fatal("failed to parse "+key, zap.Error(err))
	}
	return n
}
