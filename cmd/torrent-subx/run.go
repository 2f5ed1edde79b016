package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/anacrolix/missinggo/v2/filecache"
	"github.com/anacrolix/torrent/storage"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/torrent-subx/config"
	"github.com/jkaberg/torrent-subx/extract"
	dlog "github.com/jkaberg/torrent-subx/log"
	"github.com/jkaberg/torrent-subx/output"
	"github.com/jkaberg/torrent-subx/torrent"
	"github.com/jkaberg/torrent-subx/torrent/cache"
)

// app holds everything a command needs. Close releases it in reverse order.
type app struct {
	conf   *config.Root
	client *torrent.Client
	db     *cache.DB
	stats  *torrent.Stats
	out    *output.Dir
	proc   *extract.Processor
}

// load starts the torrent client. When withOutput is false the processor
// cannot write and is only usable for listing.
func load(conf *config.Root, withOutput bool) (*app, error) {
	dlog.Load(conf.Log)

	opts, err := extract.OptionsFromConfig(conf.Extract)
	if err != nil {
		return nil, err
	}

	rate, err := config.ParseRate(conf.Extract.RateLimit)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(conf.Torrent.MetadataFolder, 0744); err != nil {
		return nil, fmt.Errorf("error creating metadata folder: %w", err)
	}

	a := &app{conf: conf, stats: torrent.NewStats()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if withOutput {
		a.out, err = output.Open(conf.Extract.Output)
		if err != nil {
			return nil, err
		}
	}

	cf := filepath.Join(conf.Torrent.MetadataFolder, "cache")
	fc, err := filecache.NewCache(cf)
	if err != nil {
		return nil, fmt.Errorf("error creating cache: %w", err)
	}
	log.Debug().Msg(fmt.Sprintf("setting cache size to %d MB", conf.Torrent.GlobalCacheSize))
	fc.SetCapacity(conf.Torrent.GlobalCacheSize * 1024 * 1024)

	st := storage.NewResourcePieces(fc.AsResourceProvider())

	// cache is not working with windows
	if runtime.GOOS == "windows" {
		st = storage.NewFile(cf)
	}

	a.db, err = cache.Open(filepath.Join(conf.Torrent.MetadataFolder, "db"))
	if err != nil {
		return nil, fmt.Errorf("error opening metadata database: %w", err)
	}

	id, err := torrent.GetOrCreatePeerID(filepath.Join(conf.Torrent.MetadataFolder, "ID"))
	if err != nil {
		return nil, fmt.Errorf("error creating node ID: %w", err)
	}

	a.client, err = torrent.NewClient(st, a.db, conf.Torrent, torrent.NewLimiter(rate), id)
	if err != nil {
		return nil, fmt.Errorf("error starting torrent client: %w", err)
	}
	log.Info().Str("rate-limit", config.FormatRate(rate)).Msg("torrent client started")

	var w extract.Writer = extract.WriterFunc(refuseWrite)
	if a.out != nil {
		w = a.out
	}
	a.proc = extract.NewProcessor(a.client, w, opts,
		extract.WithStats(a.stats),
		extract.WithCache(a.db),
	)

	ok = true
	return a, nil
}

func refuseWrite(_ context.Context, name string, _ []byte) error {
	return fmt.Errorf("no output directory for %s", name)
}

func (a *app) logPath() string {
	if a.conf.Log.Path == "" {
		return ""
	}
	return filepath.Join(a.conf.Log.Path, dlog.FileName)
}

func (a *app) Close() {
	if a.client != nil {
		log.Debug().Msg("closing torrent client...")
		a.client.Close()
	}
	if a.db != nil {
		log.Debug().Msg("closing metadata database...")
		if err := a.db.Close(); err != nil {
			log.Warn().Err(err).Msg("problem closing metadata database")
		}
	}
	if a.out != nil {
		if err := a.out.Close(); err != nil {
			log.Warn().Err(err).Msg("problem releasing output directory")
		}
	}
}
