// Package logger builds *slog.Logger instances with functional options,
// environment presets and context-aware attribute injection.
//
//	log := logger.New(
//	    append(logger.FromConfig(cfg),
//	        logger.WithContextExtractors(requestid.LoggerExtractor()),
//	    )...,
//	)
//	log.InfoContext(ctx, "webhook processed", logger.EventID(id), logger.Provider("stripe"))
//
// Attribute helpers in attr.go keep key names consistent across packages.
// Helpers taking an error or identifier return an empty Attr for nil input,
// which slog omits from the output.
package logger
