// Package handlers provides the job handlers for the queues the application
// produces to: search-index, send-email and asset-process.
//
// Register them all on an engine with RegisterAll:
//
//	handlers.RegisterAll(eng, cfg.Email, logger)
//
// Producers enqueue through the same definitions, so payload encoding
// always matches the engine codec:
//
//	engine.EnqueueDefinition(ctx, eng, handlers.SendEmail(mailer), handlers.EmailPayload{...})
package handlers
