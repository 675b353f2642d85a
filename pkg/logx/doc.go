// Package logx configures remindbot's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - the optional file sink writes JSON lines
//   - the optional alert sink forwards warn+ records to an operator chat, rate limited
package logx
