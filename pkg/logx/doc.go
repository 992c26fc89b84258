// Package logx configures routinely's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp, file:line caller)
//   - file output is one JSON object per line
//   - a Service can swap writers and level at runtime on config reload
package logx
