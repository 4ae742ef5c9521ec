// Package logger provides prefixed, asynchronous logging so that slow log
// sinks never block request handling. It also supports logging function
// execution time via DeferLogDuration.
package logger

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

const asyncBufferSize = 8192

var (
	prefix   string
	logLevel = levelInfo
	ch       chan string
	once     sync.Once
)

type level int

const (
	levelDebug level = iota
	levelInfo
)

func initLevel() {
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "trace":
		logLevel = levelDebug
	default:
		logLevel = levelInfo
	}
}

func initWorker() {
	initLevel()
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case ch <- msg:
	default:
		// Buffer full: drop the line instead of blocking the caller.
	}
}

// SetPrefix sets the prefix for all subsequent log lines (e.g. "api").
func SetPrefix(p string) {
	prefix = p
}

func tag() string {
	if prefix == "" {
		return ""
	}
	return "[" + prefix + "] "
}

// Info writes a line with the service prefix (asynchronously).
func Info(v ...any) {
	enqueue(tag() + fmt.Sprint(v...))
}

// Infof formats and writes a line with the service prefix (asynchronously).
func Infof(format string, v ...any) {
	enqueue(tag() + fmt.Sprintf(format, v...))
}

// Error writes an error line with the service prefix (asynchronously).
func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

// Errorf formats and writes an error line with the service prefix (asynchronously).
func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// Debugf writes a line only when LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	if logLevel != levelDebug {
		return
	}
	enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
}

// LogDuration logs a function name and its elapsed time in milliseconds.
// At LOG_LEVEL=info only calls slower than 100ms are logged; at debug, all.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if logLevel == levelDebug || elapsed >= 100*time.Millisecond {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration is meant for defer: defer logger.DeferLogDuration("HandlerName", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
