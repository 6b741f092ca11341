// Package log provides the global structured logger, built on zerolog.
// Init configures level and output format once at startup; packages derive
// child loggers with WithComponent / WithContainerID.
package log
