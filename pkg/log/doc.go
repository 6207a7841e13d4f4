// Package log provides structured logging for guardian built on zerolog.
package log
