// Package logx is bgjob's logging layer over zerolog.
//
// Components take a Logger by value. Loggers handed out by a Service follow
// every later Service.Apply, so a config reload changes level and sinks
// without anyone re-wiring loggers. The console sink prints a short caller;
// the file sink writes JSON lines.
package logx
