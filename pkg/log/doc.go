/*
Package log provides structured logging for burrow using zerolog.

A single global Logger is configured once at startup with Init. Components
derive child loggers that carry a "component" field so output from the
store, the watch bus, controllers and port-forward sessions can be filtered:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("store")
	logger.Info().Str("kind", "pods").Msg("Created resource")

	ctrl := log.WithController("endpoints")
	item := log.WithResource(ctrl, "services", "default", "web")
	item.Error().Err(err).Msg("Failed to reconcile")

Until Init runs the global logger discards everything, which keeps tests
quiet. Child loggers capture the global logger at creation time, so Init
must run before components are constructed.

Console output (JSONOutput false) is meant for development; production
deployments should use JSON.
*/
package log
