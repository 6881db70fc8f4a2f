// Package telemetry provides the observability plumbing for deployd.
//
// It wraps zerolog for structured logging, OpenTelemetry for tracing and
// Prometheus for metrics. Components receive a *Telemetry (or the parts of
// it they need) through their config structs; a nil *Metrics or *Tracer is
// always safe to use.
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("engine").WithTaskID(42)
//	logger.Info("task started")
package telemetry
