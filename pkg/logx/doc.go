// Package logx configures jobgate's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Noisy warning sites bounded (Limited, backed by x/time/rate)
package logx
