// Copyright Shipswitch Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"). You may
// not use this file except in compliance with the License. A copy of the
// License is located at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// or in the "license" file accompanying this file. This file is distributed
// on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
// express or implied. See the License for the specific language governing
// permissions and limitations under the License.

package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type structuredLogger struct {
	zapLogger *zap.SugaredLogger
}

func parseLevel(inputLogLevel string) zapcore.Level {
	switch strings.ToLower(inputLogLevel) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.DebugLevel
	}
}

func (logf *structuredLogger) Debugf(format string, args ...interface{}) {
	logf.zapLogger.Debugf(format, args...)
}

func (logf *structuredLogger) Debug(msg string) {
	logf.zapLogger.Desugar().Debug(msg)
}

func (logf *structuredLogger) Infof(format string, args ...interface{}) {
	logf.zapLogger.Infof(format, args...)
}

func (logf *structuredLogger) Info(msg string) {
	logf.zapLogger.Desugar().Info(msg)
}

func (logf *structuredLogger) Warnf(format string, args ...interface{}) {
	logf.zapLogger.Warnf(format, args...)
}

func (logf *structuredLogger) Warn(msg string) {
	logf.zapLogger.Desugar().Warn(msg)
}

func (logf *structuredLogger) Error(msg string) {
	logf.zapLogger.Desugar().Error(msg)
}

func (logf *structuredLogger) Errorf(format string, args ...interface{}) {
	logf.zapLogger.Errorf(format, args...)
}

func (logf *structuredLogger) Fatalf(format string, args ...interface{}) {
	logf.zapLogger.Fatalf(format, args...)
}

func (logf *structuredLogger) Panicf(format string, args ...interface{}) {
	logf.zapLogger.Panicf(format, args...)
}

func (logf *structuredLogger) WithFields(fields Fields) Logger {
	kv := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return &structuredLogger{logf.zapLogger.With(kv...)}
}

func (logConfig *Configuration) newZapLogger() *structuredLogger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	var writer zapcore.WriteSyncer
	if strings.ToLower(logConfig.LogLocation) == "stdout" {
		writer = zapcore.Lock(os.Stdout)
	} else {
		writer = newRotatingWriter(logConfig.LogLocation)
	}

	core := zapcore.NewCore(encoder, writer, parseLevel(logConfig.LogLevel))
	zapLog := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
	defer zapLog.Sync()

	return &structuredLogger{zapLogger: zapLog.Sugar()}
}

// newRotatingWriter wraps a log file in lumberjack rotation
func newRotatingWriter(logFilePath string) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})
}

// DefaultLogger creates and returns a new default logger, independent of the
// shared instance. Used by the standalone CLIs.
func DefaultLogger() Logger {
	productionConfig := zap.NewProductionConfig()
	productionConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapLog, _ := productionConfig.Build()
	defer zapLog.Sync()
	return &structuredLogger{zapLogger: zapLog.Sugar()}
}
