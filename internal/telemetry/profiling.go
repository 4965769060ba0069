package telemetry

import (
	"fmt"
	"log/slog"

	"github.com/grafana/pyroscope-go"
)

// StartProfiling запускает continuous profiling в Pyroscope.
//
// Пустой serverAddress отключает профилирование: возвращается
// no-op функция остановки.
func StartProfiling(appName, serverAddress string, tags map[string]string, logger *slog.Logger) (func(), error) {
	if serverAddress == "" {
		return func() {}, nil
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Tags:            tags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope: %w", err)
	}

	logger.Info("profiling enabled", "server", serverAddress, "app", appName)

	return func() {
		if err := profiler.Stop(); err != nil {
			logger.Warn("failed to stop profiler", "error", err)
		}
	}, nil
}
