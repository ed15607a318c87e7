package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

type Config struct {
	// Level один из debug, info, warn, error
	Level string `yaml:"level"`
	// Format console или json. Пустое значение выбирает console для терминала
	Format string `yaml:"format"`
}

var logger atomic.Pointer[zerolog.Logger]

func init() {
	l := newLogger(os.Stderr, Config{})
	logger.Store(&l)
}

// Setup перенастраивает логгер процесса и подменяет slog.Default,
// чтобы библиотеки, пишущие в slog, попадали в тот же вывод
func Setup(out io.Writer, cfg Config) error {
	if _, err := zerolog.ParseLevel(cfg.Level); err != nil {
		return fmt.Errorf("error parse log level %q. %w", cfg.Level, err)
	}
	l := newLogger(out, cfg)
	logger.Store(&l)
	slog.SetDefault(slog.New(Handler()))
	return nil
}

// Handler возвращает slog.Handler поверх текущего логгера
func Handler() slog.Handler {
	return zeroslog.NewHandler(*logger.Load(), &zeroslog.HandlerOptions{Level: slog.LevelDebug})
}

func Debug(format string, a ...any) {
	Log(zerolog.DebugLevel, format, a...)
}

func Info(format string, a ...any) {
	Log(zerolog.InfoLevel, format, a...)
}

func Err(format string, a ...any) {
	Log(zerolog.ErrorLevel, format, a...)
}

func Fatal(format string, a ...any) {
	Log(zerolog.FatalLevel, format, a...)
	os.Exit(1)
}

// Log пишет сообщение с заданным уровнем. Формат поддерживает %w.
func Log(level zerolog.Level, format string, a ...any) {
	l := logger.Load()
	if l.GetLevel() > level {
		return
	}
	// Fatal здесь не завершает процесс, это делает функция Fatal
	l.WithLevel(level).Msg(fmt.Errorf(format, a...).Error())
}

func newLogger(out io.Writer, cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if useConsole(out, cfg.Format) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Stamp}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func useConsole(out io.Writer, format string) bool {
	switch format {
	case "console":
		return true
	case "json":
		return false
	}
	f, ok := out.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
