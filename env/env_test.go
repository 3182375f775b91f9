package env

import (
	"os"
	"testing"

	"go.uber.org/zap"
)

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("MOTOR_PORT", "/dev/ttyUSB0")
	t.Setenv("SCALE_PORT", "/dev/ttyUSB1")
	t.Setenv("RIG_CONFIG", "rig.yaml")
	for _, key := range []string{
		"MOTOR_BAUD", "SCALE_BAUD", "HISTORY_DB", "METRICS_ADDR",
		"RABBITMQ_URI", "AMQP_EXCHANGE", "DEVICE_ID", "INSTANCE_ID",
	} {
		os.Unsetenv(key)
	}

	e := LoadEnv(zap.NewNop())
	if e.MotorPort != "/dev/ttyUSB0" || e.ScalePort != "/dev/ttyUSB1" {
		t.Fatalf("ports = %q, %q", e.MotorPort, e.ScalePort)
	}
	if e.MotorBaud != 115200 || e.ScaleBaud != 9600 {
		t.Fatalf("bauds = %d, %d", e.MotorBaud, e.ScaleBaud)
	}
	if e.HistoryDB != "doser.db" {
		t.Fatalf("history db = %q", e.HistoryDB)
	}
	if e.MetricsAddr != "" || e.URI != "" {
		t.Fatalf("optional vars not empty: %q, %q", e.MetricsAddr, e.URI)
	}
	if e.Exchange != "doser" {
		t.Fatalf("exchange = %q", e.Exchange)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MOTOR_PORT", "/dev/ttyACM0")
	t.Setenv("SCALE_PORT", "/dev/ttyACM1")
	t.Setenv("RIG_CONFIG", "bench.yaml")
	t.Setenv("MOTOR_BAUD", "57600")
	t.Setenv("SCALE_BAUD", "19200")
	t.Setenv("METRICS_ADDR", ":9090")

	e := LoadEnv(zap.NewNop())
	if e.MotorBaud != 57600 || e.ScaleBaud != 19200 {
		t.Fatalf("bauds = %d, %d", e.MotorBaud, e.ScaleBaud)
	}
	if e.MetricsAddr != ":9090" {
		t.Fatalf("metrics addr = %q", e.MetricsAddr)
	}
}
