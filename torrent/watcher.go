package torrent

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FolderWatcher hands every .torrent file that appears below a folder to a
// callback, once per modification time. Events are batched per interval.
type FolderWatcher struct {
	folder   string
	interval time.Duration
	w        *fsnotify.Watcher
	handle   func(ctx context.Context, path string)
	log      zerolog.Logger

	// seen is only touched by the Run goroutine.
	seen map[string]time.Time

	eventsCount uint64
}

func NewFolderWatcher(folder string, interval time.Duration, handle func(ctx context.Context, path string)) (*FolderWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating folder watcher")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &FolderWatcher{
		folder:   folder,
		interval: interval,
		w:        w,
		handle:   handle,
		seen:     make(map[string]time.Time),
		log:      log.Logger.With().Str("component", "watcher").Str("folder", folder).Logger(),
	}, nil
}

// Run syncs the folder once and then on every batch of file events until ctx
// is done.
func (fw *FolderWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(fw.folder, 0744); err != nil {
		return err
	}

	if err := filepath.Walk(fw.folder, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsDir() {
			return fw.w.Add(p)
		}
		return nil
	}); err != nil {
		return err
	}

	fw.sync(ctx)
	fw.log.Info().Msg("folder watcher started")

	go func() {
		for {
			select {
			case event, ok := <-fw.w.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create == fsnotify.Create {
					fi, err := os.Stat(event.Name)
					if err == nil && fi.IsDir() {
						_ = fw.w.Add(event.Name)
					}
				}
				atomic.AddUint64(&fw.eventsCount, 1)
			case err, ok := <-fw.w.Errors:
				if !ok {
					return
				}
				fw.log.Error().Err(err).Msg("watcher error")
			}
		}
	}()

	tick := time.NewTicker(fw.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return fw.w.Close()
		case <-tick.C:
			if atomic.SwapUint64(&fw.eventsCount, 0) == 0 {
				continue
			}
			fw.sync(ctx)
		}
	}
}

func (fw *FolderWatcher) sync(ctx context.Context) {
	paths, err := TorrentFiles(fw.folder)
	if err != nil {
		fw.log.Error().Err(err).Msg("error listing torrent files")
		return
	}
	for _, p := range paths {
		if ctx.Err() != nil {
			return
		}
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		if mt, ok := fw.seen[p]; ok && mt.Equal(fi.ModTime()) {
			continue
		}
		fw.seen[p] = fi.ModTime()
		fw.handle(ctx, p)
	}
}

// TorrentFiles lists the .torrent files below folder in lexical order.
func TorrentFiles(folder string) ([]string, error) {
	var out []string
	err := filepath.Walk(folder, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && strings.EqualFold(filepath.Ext(p), ".torrent") {
			out = append(out, p)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}
