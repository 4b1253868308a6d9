// Package logx configures automoth's structured logging.
//
// A thin wrapper (logx.Logger) over zerolog keeps:
//   - console output short (compact timestamp and file:line caller)
//   - file output as JSON lines
//   - an optional remote sink (min level, rate limited) fed by a Sender
package logx
