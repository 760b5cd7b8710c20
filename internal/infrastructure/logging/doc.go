// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: colored console output for human readability
//
// Components in this module accept a *zap.Logger and fall back to a
// no-op logger when given nil (see OrNop). Common fields for the RPC
// layer have constructors here so that log lines stay uniform across
// host and worker:
//
//	logger := logging.NewDevelopment()
//	logger.Info("sandbox created", logging.Sandbox(sb.ID()))
//	logger.Debug("request sent", logging.Message(msgID, protocol.KindEval))
package logging
