// Package httpserver runs the billing HTTP API with sane timeouts and a
// graceful shutdown bound to a context:
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	if err := srv.Run(ctx, router); err != nil {
//		log.Error("server stopped", logger.Error(err))
//	}
//
// HealthHandler reports dependency checks as JSON for load balancers.
package httpserver
