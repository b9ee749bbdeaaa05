// Package logx configures pushgate's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional broker sink forwarding high-severity records to an operations
//     topic (min-level + rate limiting)
package logx
