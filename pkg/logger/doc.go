// Package logger builds the gateway's structured slog loggers. Production
// environments log JSON; other environments log human readable text.
package logger
