package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger levels
const (
	DEBUG = "DEBUG"
	INFO  = "INFO"
	WARN  = "WARN"
	ERROR = "ERROR"
	FATAL = "FATAL"
)

// AppLogger provides structured logging
type AppLogger struct {
	infoLogger  *log.Logger
	errorLogger *log.Logger
	debugLogger *log.Logger
	warnLogger  *log.Logger
}

// NewAppLogger creates a new application logger
func NewAppLogger() *AppLogger {
	if err := os.MkdirAll("logs", 0755); err != nil {
		log.Printf("Failed to create logs directory: %v", err)
	}

	infoFile, err := os.OpenFile(
		filepath.Join("logs", "app.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0666,
	)
	if err != nil {
		log.Printf("Failed to open info log file: %v", err)
		infoFile = os.Stdout
	}

	errorFile, err := os.OpenFile(
		filepath.Join("logs", "error.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0666,
	)
	if err != nil {
		log.Printf("Failed to open error log file: %v", err)
		errorFile = os.Stderr
	}

	debugFile, err := os.OpenFile(
		filepath.Join("logs", "debug.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0666,
	)
	if err != nil {
		log.Printf("Failed to open debug log file: %v", err)
		debugFile = os.Stdout
	}

	// Write to both file and console outside production
	var infoWriter, errorWriter, debugWriter io.Writer

	if os.Getenv("APP_ENV") == "production" {
		infoWriter = infoFile
		errorWriter = errorFile
		debugWriter = debugFile
	} else {
		infoWriter = io.MultiWriter(os.Stdout, infoFile)
		errorWriter = io.MultiWriter(os.Stderr, errorFile)
		debugWriter = io.MultiWriter(os.Stdout, debugFile)
	}

	return &AppLogger{
		infoLogger:  log.New(infoWriter, "[INFO] ", log.LstdFlags|log.Lshortfile),
		errorLogger: log.New(errorWriter, "[ERROR] ", log.LstdFlags|log.Lshortfile),
		debugLogger: log.New(debugWriter, "[DEBUG] ", log.LstdFlags|log.Lshortfile),
		warnLogger:  log.New(infoWriter, "[WARN] ", log.LstdFlags|log.Lshortfile),
	}
}

// Info logs info level messages
func (l *AppLogger) Info(format string, v ...interface{}) {
	l.infoLogger.Printf(format, v...)
}

// Error logs error level messages
func (l *AppLogger) Error(format string, v ...interface{}) {
	l.errorLogger.Printf(format, v...)
}

// Debug logs debug level messages
func (l *AppLogger) Debug(format string, v ...interface{}) {
	if os.Getenv("LOG_LEVEL") == "debug" || os.Getenv("APP_ENV") != "production" {
		l.debugLogger.Printf(format, v...)
	}
}

// Warn logs warning level messages
func (l *AppLogger) Warn(format string, v ...interface{}) {
	l.warnLogger.Printf(format, v...)
}

// Fatal logs fatal level messages and exits
func (l *AppLogger) Fatal(format string, v ...interface{}) {
	l.errorLogger.Printf("[FATAL] "+format, v...)
	os.Exit(1)
}

// Connection lifecycle logging
func (l *AppLogger) LogConnectionState(userID, state, degradation string) {
	l.Info("Connection state: User %s, State %s, Degradation %s", userID, state, degradation)
}

func (l *AppLogger) LogReconnectAttempt(userID string, attempt int, delay time.Duration) {
	l.Warn("Reconnect attempt %d for user %s in %v", attempt, userID, delay)
}

// Room / subscription logging
func (l *AppLogger) LogRoomEvent(userID, roomID, action string) {
	l.Info("Room %s: User %s, Room %s", action, userID, roomID)
}

func (l *AppLogger) LogSubscription(id, channelName, status string) {
	l.Debug("Subscription %s (%s): %s", id, channelName, status)
}

func (l *AppLogger) LogRealtimeError(userID, context string, err error) {
	l.Error("Realtime error: User %s, Context %s, Error: %v", userID, context, err)
}

// Database operation logging
func (l *AppLogger) LogDatabaseOperation(operation string, duration time.Duration, err error) {
	if err != nil {
		l.Error("Database %s failed after %v: %v", operation, duration, err)
	} else {
		l.Debug("Database %s completed in %v", operation, duration)
	}
}

// Performance logging
func (l *AppLogger) LogPerformance(operation string, duration time.Duration, metadata map[string]interface{}) {
	if duration > 1*time.Second {
		l.Warn("Slow operation: %s took %v, metadata: %+v", operation, duration, metadata)
	} else {
		l.Debug("Performance: %s took %v", operation, duration)
	}
}

// Request logging middleware for Gin
func (l *AppLogger) RequestLoggerMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] %s %s %d %v \"%s\" \"%s\" %s\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.ClientIP,
			param.Method,
			param.StatusCode,
			param.Latency,
			param.Path,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	})
}

// Global logger instance
var AppLog = NewAppLogger()

// Package-level convenience functions
func Info(format string, v ...interface{}) {
	AppLog.Info(format, v...)
}

func Error(format string, v ...interface{}) {
	AppLog.Error(format, v...)
}

func Debug(format string, v ...interface{}) {
	AppLog.Debug(format, v...)
}

func Warn(format string, v ...interface{}) {
	AppLog.Warn(format, v...)
}

func Fatal(format string, v ...interface{}) {
	AppLog.Fatal(format, v...)
}

func LogConnectionState(userID, state, degradation string) {
	AppLog.LogConnectionState(userID, state, degradation)
}

func LogReconnectAttempt(userID string, attempt int, delay time.Duration) {
	AppLog.LogReconnectAttempt(userID, attempt, delay)
}

func LogRoomEvent(userID, roomID, action string) {
	AppLog.LogRoomEvent(userID, roomID, action)
}

func LogSubscription(id, channelName, status string) {
	AppLog.LogSubscription(id, channelName, status)
}

func LogRealtimeError(userID, context string, err error) {
	AppLog.LogRealtimeError(userID, context, err)
}

func LogDatabaseOperation(operation string, duration time.Duration, err error) {
	AppLog.LogDatabaseOperation(operation, duration, err)
}

func LogPerformance(operation string, duration time.Duration, metadata map[string]interface{}) {
	AppLog.LogPerformance(operation, duration, metadata)
}
