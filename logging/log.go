package logging

import (
	"fmt"
	"strings"

	"github.com/logrusorgru/aurora/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logLevel = 0
	logger   = newLogger()
)

func newLogger() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	return l.Sugar()
}

// SetLevel controls which messages are emitted: 0 silences everything,
// 1 notices, 2 errors, 3 warnings, 4 informational messages.
func SetLevel(level int) {
	logLevel = level
}

func Level() int {
	return logLevel
}

func Sync() {
	_ = logger.Sync()
}

func format(arguments []any) string {
	parts := make([]string, 0, len(arguments))
	for _, argument := range arguments {
		parts = append(parts, fmt.Sprint(argument))
	}
	return strings.Join(parts, " ")
}

func emit(minLevel int, tag aurora.Value, module string, arguments []any, write func(string, ...any)) {
	if logLevel < minLevel {
		return
	}

	write(fmt.Sprintf(tag.String()+": %s", module, format(arguments)), "module", module)
}

func Notice(module string, arguments ...any) {
	emit(1, aurora.BrightGreen("N[%s]"), module, arguments, logger.Infow)
}

func Error(module string, arguments ...any) {
	emit(2, aurora.BrightRed("E[%s]"), module, arguments, logger.Errorw)
}

func Warn(module string, arguments ...any) {
	emit(3, aurora.BrightYellow("W[%s]"), module, arguments, logger.Warnw)
}

func Info(module string, arguments ...any) {
	emit(4, aurora.BrightCyan("I[%s]"), module, arguments, logger.Debugw)
}
