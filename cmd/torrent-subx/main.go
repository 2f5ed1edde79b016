package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/jkaberg/torrent-subx/config"
)

const (
	configFlag = "config"

	outputFlag       = "output"
	extFlag          = "ext"
	langFlag         = "lang"
	thresholdFlag    = "bilingual-threshold"
	rateFlag         = "rate-limit"
	allowFullFlag    = "allow-full-download"
	fractionFlag     = "full-download-fraction"
	emitSupFlag      = "emit-sup"
	skipSupFlag      = "skip-sup"
	prefixFlag       = "prefix-episode"
	keepOriginalFlag = "keep-original-name"
	archivesFlag     = "archives"
	verboseFlag      = "verbose"

	formatFlag = "format"
	portFlag   = "port"
	hostFlag   = "host"
)

func extractFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: outputFlag, Aliases: []string{"o"}, Value: ".", EnvVars: []string{"SUBX_OUTPUT"}, Usage: "Output directory."},
		&cli.StringFlag{Name: extFlag, Aliases: []string{"e"}, Value: "ass,srt,vtt", Usage: "Preferred extensions, comma separated."},
		&cli.StringFlag{Name: langFlag, Aliases: []string{"l"}, Value: "zh,zh-TW,ja", Usage: "Target languages, comma separated. Empty keeps everything."},
		&cli.Float64Flag{Name: thresholdFlag, Aliases: []string{"t"}, Value: config.DefaultBilingualThreshold, Usage: "Bilingual detection threshold."},
		&cli.StringFlag{Name: rateFlag, Aliases: []string{"r"}, Value: config.DefaultRateLimit, EnvVars: []string{"SUBX_RATE_LIMIT"}, Usage: "Download rate limit (k/m/g suffixes)."},
		&cli.BoolFlag{Name: allowFullFlag, Usage: "Allow downloading whole files when the indexes are not enough."},
		&cli.Float64Flag{Name: fractionFlag, Value: config.DefaultFullDownload, Usage: "Share of a container that may be read without --allow-full-download."},
		&cli.BoolFlag{Name: emitSupFlag, Usage: "Output PGS subtitle tracks (.sup)."},
		&cli.BoolFlag{Name: skipSupFlag, Usage: "Skip PGS subtitles completely."},
		&cli.BoolFlag{Name: prefixFlag, Value: true, Usage: "Add episode prefix (S01E02)."},
		&cli.BoolFlag{Name: keepOriginalFlag, Usage: "Append the original file name."},
		&cli.BoolFlag{Name: archivesFlag, Usage: "Look for subtitles inside zip, rar and 7z files."},
	}
}

func main() {
	app := &cli.App{
		Name:  "torrent-subx",
		Usage: "Extract subtitles from torrents without downloading the videos.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlag,
				Value:   "./torrent-subx-data/config/config.yaml",
				EnvVars: []string{"SUBX_CONFIG"},
				Usage:   "YAML file containing torrent-subx configuration.",
			},
			&cli.BoolFlag{
				Name:    verboseFlag,
				Aliases: []string{"v"},
				EnvVars: []string{"SUBX_VERBOSE"},
				Usage:   "Verbose logging.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "extract",
				Usage:     "Extract subtitles from torrent files or magnet links",
				ArgsUsage: "<sources...>",
				Flags:     extractFlags(),
				Action:    extractAction,
			},
			{
				Name:      "list",
				Usage:     "List the files of a torrent without downloading",
				ArgsUsage: "<source>",
				Flags: append(extractFlags(), &cli.StringFlag{
					Name:  formatFlag,
					Value: "table",
					Usage: "Output format: table, json or yaml.",
				}),
				Action: listAction,
			},
			{
				Name:  "web",
				Usage: "Start the web interface",
				Flags: append(extractFlags(),
					&cli.IntFlag{Name: portFlag, Aliases: []string{"p"}, EnvVars: []string{"SUBX_HTTP_PORT"}, Usage: "HTTP port."},
					&cli.StringFlag{Name: hostFlag, EnvVars: []string{"SUBX_HTTP_HOST"}, Usage: "HTTP address."},
				),
				Action: webAction,
			},
			{
				Name:      "watch",
				Usage:     "Extract subtitles of every .torrent file dropped in a folder",
				ArgsUsage: "<folder>",
				Flags:     extractFlags(),
				Action:    watchAction,
			},
			{
				Name:      "probe",
				Usage:     "List the subtitle tracks of a local mkv or mp4 file",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{&cli.StringFlag{
					Name:  formatFlag,
					Value: "table",
					Usage: "Output format: table, json or yaml.",
				}},
				Action: probeAction,
			},
		},
		HideHelpCommand: true,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("problem running torrent-subx")
	}
}

// loadConfig reads the configuration file and applies the flags that were
// given on the command line.
func loadConfig(c *cli.Context) (*config.Root, error) {
	conf, err := config.NewHandler(c.String(configFlag)).Get()
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}

	e := conf.Extract
	if c.IsSet(outputFlag) {
		e.Output = c.String(outputFlag)
	}
	if c.IsSet(extFlag) {
		e.Extensions = splitList(c.String(extFlag))
	}
	if c.IsSet(langFlag) {
		e.Languages = splitList(c.String(langFlag))
	}
	if c.IsSet(thresholdFlag) {
		v := c.Float64(thresholdFlag)
		e.BilingualThreshold = &v
	}
	if c.IsSet(rateFlag) {
		e.RateLimit = c.String(rateFlag)
	}
	if c.IsSet(allowFullFlag) {
		e.AllowFullDownload = c.Bool(allowFullFlag)
	}
	if c.IsSet(fractionFlag) {
		e.FullDownloadFraction = c.Float64(fractionFlag)
	}
	if c.IsSet(emitSupFlag) {
		e.EmitSup = c.Bool(emitSupFlag)
	}
	if c.IsSet(skipSupFlag) {
		e.SkipSup = c.Bool(skipSupFlag)
	}
	if c.IsSet(prefixFlag) {
		v := c.Bool(prefixFlag)
		e.PrefixEpisode = &v
	}
	if c.IsSet(keepOriginalFlag) {
		e.KeepOriginalName = c.Bool(keepOriginalFlag)
	}
	if c.IsSet(archivesFlag) {
		e.Archives = c.Bool(archivesFlag)
	}
	if c.Bool(verboseFlag) {
		e.Verbose = true
	}
	if e.Verbose {
		conf.Log.Debug = true
	}

	if c.IsSet(portFlag) {
		conf.HTTP.Port = c.Int(portFlag)
	}
	if c.IsSet(hostFlag) {
		conf.HTTP.IP = c.String(hostFlag)
	}

	if err := config.Validate(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// signalContext is cancelled on the first interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("interrupted, stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}
