// Package server provides the HTTP endpoints of the exporter.
//
// Available endpoints:
//   - /           : Status page with per-worker results of the last cycle
//   - /metrics    : Prometheus metrics from a private registry
//   - /health     : Liveness probe (always returns 200)
//   - /ready      : Readiness probe (200 once a cycle committed and no worker's last cycle failed completely)
//
// The server is configured with sensible timeout defaults:
//   - Read timeout: 15 seconds
//   - Write timeout: 15 seconds
//   - Idle timeout: 60 seconds
//
// Example usage:
//
//	srv := server.NewServer(cfg, tracker, promRegistry, log)
//
//	serverErrors := make(chan error, 1)
//	go func() {
//		serverErrors <- srv.Start()
//	}()
//
//	<-ctx.Done()
//	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := srv.Shutdown(shutdownCtx); err != nil {
//		log.Error("Error during shutdown", "error", err)
//	}
package server
