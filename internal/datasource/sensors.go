package datasource

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// Sensor name substrings used to identify CPU temperature sensors.
// hwmon keys look like coretemp_core_0_input, k10temp_tctl_input,
// acpitz_temp1_input or zenpower_tctl_input.
var cpuSensorKeys = []string{
	"cpu", "core", "package",
	"tctl", "tdie", "k10temp", "coretemp",
	"acpitz", "zenpower",
}

// hottestCPUSensor returns the maximum valid reading across all CPU sensors
// to represent the worst-case thermal state.
func hottestCPUSensor(ctx context.Context, logger *zap.Logger) float64 {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil {
		// gopsutil reports partial results together with a warning error.
		logger.Debug("Temperature sensors reported errors", zap.Error(err))
	}

	hottest := models.TemperatureUnavailable
	for _, t := range temps {
		if !validTemperature(t.Temperature) {
			continue
		}
		if !matchesSensor(strings.ToLower(t.SensorKey), cpuSensorKeys) {
			continue
		}
		if t.Temperature > hottest {
			hottest = t.Temperature
		}
	}

	if hottest == models.TemperatureUnavailable {
		logger.Debug("No CPU temperature sensor found")
	}
	return hottest
}

// matchesSensor checks if the sensor name contains any of the given key substrings.
func matchesSensor(name string, keys []string) bool {
	for _, key := range keys {
		if strings.Contains(name, key) {
			return true
		}
	}
	return false
}
