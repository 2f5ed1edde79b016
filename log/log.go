package log

import (
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jkaberg/torrent-subx/config"
)

const FileName = "torrent-subx.log"

// Load configures the global logger: a console writer on stderr and, when a
// log path is set, a rotating JSON file.
func Load(cfg *config.Log) {
	var out io.Writer = consoleWriter(os.Stderr)

	if cfg != nil && cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0744); err != nil {
			log.Warn().Err(err).Str("path", cfg.Path).Msg("cannot create log folder, logging to console only")
		} else {
			out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
				Filename:   filepath.Join(cfg.Path, FileName),
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
			})
		}
	}

	l := zerolog.InfoLevel
	if cfg != nil && cfg.Debug {
		l = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(l)

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func consoleWriter(f *os.File) zerolog.ConsoleWriter {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return zerolog.ConsoleWriter{
		Out:        colorable.NewColorable(f),
		NoColor:    !tty,
		TimeFormat: "15:04:05",
	}
}
