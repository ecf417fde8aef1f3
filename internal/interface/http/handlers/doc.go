// Package handlers contains the transport-neutral pieces of the HTTP
// interface: health checking and reusable middleware.
//
// # Health Checks
//
// Checks run in parallel, each under its own timeout. A failing required
// check makes the service not ready; an optional one only degrades health:
//
//	checker := handlers.NewCompositeHealthChecker("v1.0.0")
//	checker.AddCheck("postgres", handlers.NewPingCheck(conn))
//	checker.AddOptionalCheck("redis", func(ctx context.Context) error {
//	    return rdb.Ping(ctx).Err()
//	})
//
// # Middleware
//
// Middleware are plain func(http.Handler) http.Handler values composed
// with Chain; the first one listed is the outermost.
package handlers
