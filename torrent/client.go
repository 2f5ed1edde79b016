package torrent

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/dht/v2"
	tlog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jkaberg/torrent-subx/config"
	dlog "github.com/jkaberg/torrent-subx/log"
	"github.com/jkaberg/torrent-subx/torrent/cache"
)

// Client opens sessions on top of an anacrolix client. The anacrolix rate
// limiter is left unlimited; throttling happens per piece in the sessions.
type Client struct {
	c       *torrent.Client
	db      *cache.DB
	limiter *rate.Limiter
	cfg     *config.TorrentGlobal
	log     zerolog.Logger
}

func NewClient(st storage.ClientImpl, db *cache.DB, cfg *config.TorrentGlobal, limiter *rate.Limiter, id [20]byte) (*Client, error) {
	torrentCfg := torrent.NewDefaultClientConfig()
	torrentCfg.Seed = false
	torrentCfg.NoUpload = true
	torrentCfg.PeerID = string(id[:])
	torrentCfg.DefaultStorage = st
	if cfg.ListenPort > 0 {
		torrentCfg.ListenPort = cfg.ListenPort
	} else {
		torrentCfg.ListenPort = 0
	}
	torrentCfg.DisableIPv6 = cfg.DisableIPv6
	torrentCfg.DisableTCP = cfg.DisableTCP
	torrentCfg.DisableUTP = cfg.DisableUTP

	if cfg.IP != "" {
		ip := net.ParseIP(cfg.IP)
		if ip == nil {
			return nil, fmt.Errorf("invalid provided IP: %q", cfg.IP)
		}

		torrentCfg.PublicIp4 = ip
	}

	l := log.Logger.With().Str("component", "torrent-client").Logger()

	tl := tlog.NewLogger()
	tl.SetHandlers(&dlog.Torrent{L: l})
	torrentCfg.Logger = tl

	torrentCfg.ConfigureAnacrolixDhtServer = func(cfg *dht.ServerConfig) {
		cfg.Exp = 2 * time.Hour
		cfg.NoSecurity = false
	}

	torrentCfg.DownloadRateLimiter = rate.NewLimiter(rate.Inf, 0)

	c, err := torrent.NewClient(torrentCfg)
	if err != nil {
		return nil, err
	}

	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	return &Client{
		c:       c,
		db:      db,
		limiter: limiter,
		cfg:     cfg,
		log:     l,
	}, nil
}

// NewLimiter returns the shared download budget for bps bytes per second.
// Zero means unlimited.
func NewLimiter(bps int64) *rate.Limiter {
	if bps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(bps), int(bps))
}

func (c *Client) Limiter() *rate.Limiter {
	return c.limiter
}

func (c *Client) Cache() *cache.DB {
	return c.db
}

type OpenOptions struct {
	AllowFullDownload    bool
	FullDownloadFraction float64
}

// Open resolves src into a manifest-ready session. Magnet metadata is taken
// from the cache when present, otherwise from peers within the metadata
// timeout.
func (c *Client) Open(ctx context.Context, src Source, opts OpenOptions) (*Session, error) {
	t, err := c.add(src)
	if err != nil {
		return nil, err
	}

	hash := t.InfoHash().HexString()
	c.log.Info().Str("hash", hash).Str("name", src.Name).Msg("getting torrent info")

	timeout := time.Duration(c.cfg.MetadataTimeout) * time.Second
	select {
	case <-t.GotInfo():
	case <-time.After(timeout):
		t.Drop()
		return nil, errors.Mark(errors.Newf("no metadata for %s after %s", hash, timeout), ErrUnreachable)
	case <-ctx.Done():
		t.Drop()
		return nil, ctx.Err()
	}
	c.log.Info().Str("hash", hash).Str("name", t.Name()).Msg("obtained torrent info")

	info := t.Info()
	m, err := ManifestFromInfo(t.InfoHash(), info)
	if err != nil {
		t.Drop()
		return nil, invalidSource(err, "building manifest")
	}

	c.storeMeta(src, t)

	so := SessionOptions{
		Workers:              c.cfg.Workers,
		MaxAttempts:          c.cfg.MaxAttempts,
		AllowFullDownload:    opts.AllowFullDownload,
		FullDownloadFraction: opts.FullDownloadFraction,
		Limiter:              c.limiter,
		OnClose:              t.Drop,
	}
	if c.db != nil {
		so.Backing = c.db.Pieces(hash)
		so.MaxResident = c.cfg.ResidentPieces
	}

	f := newFetcher(t, time.Duration(c.cfg.ReadTimeout)*time.Second)
	return NewSession(m, f, so), nil
}

func (c *Client) add(src Source) (*torrent.Torrent, error) {
	if src.MetaInfo != nil {
		t, err := c.c.AddTorrent(src.MetaInfo)
		if err != nil {
			return nil, invalidSource(err, "adding torrent")
		}
		c.addTrackers(t)
		return t, nil
	}

	if src.Magnet == nil {
		return nil, errors.Mark(errors.New("source has neither metainfo nor magnet"), ErrInvalidSource)
	}

	if mi := c.cachedMeta(src.InfoHash.HexString()); mi != nil {
		t, err := c.c.AddTorrent(mi)
		if err == nil {
			c.log.Debug().Str("hash", src.InfoHash.HexString()).Msg("metadata loaded from cache")
			t.AddTrackers([][]string{src.Magnet.Trackers})
			c.addTrackers(t)
			return t, nil
		}
		c.log.Warn().Err(err).Msg("cached metadata unusable, asking peers")
	}

	t, err := c.c.AddMagnet(src.Raw)
	if err != nil {
		return nil, invalidSource(err, "adding magnet")
	}
	c.addTrackers(t)
	return t, nil
}

func (c *Client) addTrackers(t *torrent.Torrent) {
	if len(c.cfg.ExtraTrackers) == 0 {
		return
	}
	tiers := make([][]string, 0, len(c.cfg.ExtraTrackers))
	for _, tr := range c.cfg.ExtraTrackers {
		tiers = append(tiers, []string{tr})
	}
	t.AddTrackers(tiers)
}

func (c *Client) cachedMeta(hash string) *metainfo.MetaInfo {
	if c.db == nil {
		return nil
	}
	b, err := c.db.GetMeta(hash)
	if err != nil {
		return nil
	}
	mi, err := metainfo.Load(bytes.NewReader(b))
	if err != nil {
		c.log.Warn().Err(err).Str("hash", hash).Msg("corrupt cached metadata")
		return nil
	}
	return mi
}

func (c *Client) storeMeta(src Source, t *torrent.Torrent) {
	if c.db == nil || src.MetaInfo != nil {
		return
	}
	mi := t.Metainfo()
	b, err := bencode.Marshal(mi)
	if err != nil {
		c.log.Warn().Err(err).Msg("error encoding metadata")
		return
	}
	if err := c.db.SetMeta(t.InfoHash().HexString(), b); err != nil {
		c.log.Warn().Err(err).Msg("error storing metadata")
	}
}

func (c *Client) Close() {
	c.c.Close()
}
