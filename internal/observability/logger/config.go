package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config del logger. hellofed la arma desde app.*; fedkeys pide Quiet.
type Config struct {
	Env         string // "prod" = JSON; cualquier otro valor = consola
	Level       string // debug | info | warn | error; inválido = info
	ServiceName string
	Version     string
	// Quiet: sin caller ni timestamp, para que la salida del CLI se lea limpia.
	Quiet bool
}

func build(cfg Config) *zap.Logger {
	var zcfg zap.Config
	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if strings.EqualFold(cfg.Env, "prod") {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	if cfg.Quiet {
		zcfg.EncoderConfig.CallerKey = ""
		zcfg.EncoderConfig.TimeKey = ""
		zcfg.DisableStacktrace = true
		opts = nil
	}

	l, err := zcfg.Build(opts...)
	if err != nil {
		// sin logger no hay cómo reportar el error
		return zap.NewNop()
	}
	if cfg.ServiceName != "" {
		l = l.With(zap.String("service", cfg.ServiceName))
	}
	if cfg.Version != "" {
		l = l.With(zap.String("version", cfg.Version))
	}
	return l
}

func parseLevel(s string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
