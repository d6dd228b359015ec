// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	DEBUG: 0,
	INFO:  1,
	WARN:  2,
	ERROR: 3,
}

// Logger provides structured logging with multi-tenant support
type Logger struct {
	Component  string
	InstanceID string
	Container  string

	minLevel atomic.Int32
}

// LogEntry represents a structured log entry with required fields for multi-tenant logging
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	TenantID   string                 `json:"tenant_id"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	// Get instance ID from environment (set during deployment)
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	// Get container name from hostname
	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	l := &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
	l.minLevel.Store(int32(levelRank[INFO]))
	return l
}

// SetMinLevel sets the minimum level emitted. Unknown names leave the
// threshold unchanged.
func (l *Logger) SetMinLevel(level string) {
	if rank, ok := levelRank[LogLevel(strings.ToUpper(strings.TrimSpace(level)))]; ok {
		l.minLevel.Store(int32(rank))
	}
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, tenantID, requestID, message string, fields map[string]interface{}) {
	if int32(levelRank[level]) < l.minLevel.Load() {
		return
	}

	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		TenantID:   tenantID,
		RequestID:  requestID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	// Write JSON log to stdout (container runtimes capture this)
	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(tenantID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, tenantID, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(tenantID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, tenantID, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(tenantID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, tenantID, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(tenantID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, tenantID, requestID, message, fields)
}

// InfoWithDuration logs an info message with duration field
func (l *Logger) InfoWithDuration(tenantID, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(tenantID, requestID, message, fields)
}

// ErrorWithCode logs an error with status code
func (l *Logger) ErrorWithCode(tenantID, requestID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(tenantID, requestID, message, fields)
}
