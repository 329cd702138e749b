// Package logging adapts logrus to es.Logger and configures it for binaries.
package logging

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/getpup/pupstore/es"
)

// Logger implements es.Logger on a logrus entry. Keyvals become fields, and
// the tenant scope of the context is added as the "tenant" field.
type Logger struct {
	entry *log.Entry
}

var _ es.Logger = (*Logger)(nil)

// New returns a Logger writing through entry. A nil entry uses the standard logger.
func New(entry *log.Entry) *Logger {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return &Logger{entry: entry}
}

// Debug implements es.Logger.
func (l *Logger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	if l.entry.Logger.IsLevelEnabled(log.DebugLevel) {
		l.with(ctx, keyvals).Debug(msg)
	}
}

// Info implements es.Logger.
func (l *Logger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	l.with(ctx, keyvals).Info(msg)
}

// Warn implements es.Logger.
func (l *Logger) Warn(ctx context.Context, msg string, keyvals ...interface{}) {
	l.with(ctx, keyvals).Warn(msg)
}

// Error implements es.Logger.
func (l *Logger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	l.with(ctx, keyvals).Error(msg)
}

func (l *Logger) with(ctx context.Context, keyvals []interface{}) *log.Entry {
	fields := make(log.Fields, len(keyvals)/2+1)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if i+1 == len(keyvals) {
			fields["!BADKEY"] = key
			break
		}
		fields[key] = keyvals[i+1]
	}
	if tenant := es.TenantFrom(ctx); tenant != "" {
		if _, ok := fields["tenant"]; !ok {
			fields["tenant"] = tenant
		}
	}
	return l.entry.WithContext(ctx).WithFields(fields)
}

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"warn" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// InitLog configures the standard logrus logger.
func InitLog(cfg LogConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}
