package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/jkaberg/torrent-subx/demux"
	_ "github.com/jkaberg/torrent-subx/demux/mkv"
	_ "github.com/jkaberg/torrent-subx/demux/mp4"
	"github.com/jkaberg/torrent-subx/extract"
	"github.com/jkaberg/torrent-subx/http"
	"github.com/jkaberg/torrent-subx/torrent"
)

func extractAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("at least one torrent file or magnet link is required", 2)
	}

	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	a, err := load(conf, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	rep, err := a.proc.Run(ctx, c.Args().Slice())
	printReport(rep)
	if err != nil {
		return err
	}

	for _, sr := range rep.Sources {
		if len(sr.Outputs) > 0 {
			return nil
		}
	}
	return cli.Exit("no subtitles were extracted", 1)
}

func printReport(rep *extract.Report) {
	if rep == nil {
		return
	}

	var outputs, diags [][]string
	for _, sr := range rep.Sources {
		for _, o := range sr.Outputs {
			outputs = append(outputs, []string{
				o.Name,
				o.Candidate,
				trackID(o.TrackID),
				o.Label.Display,
				humanize.IBytes(uint64(o.Size)),
			})
		}
		for _, d := range sr.Diagnostics {
			diags = append(diags, []string{
				d.Source,
				d.Candidate,
				trackID(d.TrackID),
				string(d.Stage),
				d.Kind,
				d.Message,
			})
		}
	}

	if len(outputs) > 0 {
		fmt.Println(renderTable("Subtitles",
			[]string{"File", "From", "Track", "Language", "Size"},
			outputs,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight},
		))
	}
	if len(diags) > 0 {
		fmt.Println(renderTable("Skipped",
			[]string{"Source", "Candidate", "Track", "Stage", "Kind", "Error"},
			diags,
			[]columnAlignment{alignLeft, alignLeft, alignRight},
		))
	}
}

func trackID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func listAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one torrent file or magnet link is required", 2)
	}

	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	a, err := load(conf, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	l, err := a.proc.List(ctx, c.Args().First())
	if err != nil {
		return err
	}

	if ok, err := encode(os.Stdout, c.String(formatFlag), l); ok {
		return err
	}

	selected := map[int]string{}
	for _, cd := range l.Candidates {
		selected[cd.Index] = cd.Kind.String()
	}

	rows := make([][]string, 0, len(l.Manifest.Files))
	for _, f := range l.Manifest.Files {
		rows = append(rows, []string{
			f.Path,
			humanize.IBytes(uint64(f.Length)),
			selected[f.Index],
		})
	}
	fmt.Println(renderTable(
		fmt.Sprintf("%s (%s)", l.Manifest.Name, l.Manifest.InfoHash),
		[]string{"Path", "Size", "Candidate"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft},
	))
	return nil
}

func webAction(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	a, err := load(conf, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- http.New(a.proc, a.stats, a.out.Root(), a.logPath(), conf.HTTP)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		log.Info().Msg("exiting")
		return nil
	}
}

func watchAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one folder is required", 2)
	}

	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	a, err := load(conf, true)
	if err != nil {
		return err
	}
	defer a.Close()

	fw, err := torrent.NewFolderWatcher(c.Args().First(), 5*time.Second, func(ctx context.Context, p string) {
		if a.proc.Processed(p) {
			log.Debug().Str("path", p).Msg("already processed, skipping")
			return
		}
		rep, err := a.proc.ProcessSource(ctx, p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("extraction stopped")
			return
		}
		printReport(&extract.Report{Sources: []*extract.SourceReport{rep}})
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := fw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func probeAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one mkv or mp4 file is required", 2)
	}

	d, err := demux.OpenLocal(c.Args().First())
	if err != nil {
		return err
	}
	defer d.Close()

	tracks, err := d.Tracks()
	if err != nil {
		return err
	}

	if ok, err := encode(os.Stdout, c.String(formatFlag), tracks); ok {
		return err
	}

	rows := make([][]string, 0, len(tracks))
	for _, t := range tracks {
		format := "unsupported"
		if t.Supported() {
			format = t.Codec.Extension()
		}
		rows = append(rows, []string{
			strconv.FormatInt(t.ID, 10),
			t.CodecID,
			format,
			t.Language,
			t.Name,
			strconv.FormatBool(t.Default),
			strconv.Itoa(len(t.Blocks)),
		})
	}
	fmt.Println(renderTable(c.Args().First(),
		[]string{"Track", "Codec", "Format", "Language", "Name", "Default", "Blocks"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
	return nil
}
