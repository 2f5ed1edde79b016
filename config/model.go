package config

// Root is the main yaml config object
type Root struct {
	Extract *Extract       `yaml:"extract"`
	Torrent *TorrentGlobal `yaml:"torrent"`
	HTTP    *HTTPGlobal    `yaml:"http"`
	Log     *Log           `yaml:"log"`
}

type Log struct {
	Debug      bool   `yaml:"debug"`
	MaxBackups int    `yaml:"max_backups"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	Path       string `yaml:"path"`
}

// Extract holds the options of one extraction run.
type Extract struct {
	Output             string   `yaml:"output"`
	Extensions         []string `yaml:"extensions"`
	Languages          []string `yaml:"languages"`
	BilingualThreshold *float64 `yaml:"bilingual_threshold,omitempty"`
	RateLimit          string   `yaml:"rate_limit"`
	AllowFullDownload  bool     `yaml:"allow_full_download"`
	// FullDownloadFraction is the share of a container that may be read
	// before AllowFullDownload is needed.
	FullDownloadFraction float64 `yaml:"full_download_fraction"`
	EmitSup              bool    `yaml:"emit_sup"`
	SkipSup              bool    `yaml:"skip_sup"`
	PrefixEpisode        *bool   `yaml:"prefix_episode,omitempty"`
	KeepOriginalName     bool    `yaml:"keep_original_name"`
	Archives             bool    `yaml:"archives"`
	ArchiveMaxSize       string  `yaml:"archive_max_size"`
	Verbose              bool    `yaml:"verbose"`
}

func (e *Extract) PrefixEpisodeEnabled() bool {
	return e.PrefixEpisode == nil || *e.PrefixEpisode
}

// Threshold is the bilingual threshold, DefaultBilingualThreshold when unset.
// Zero is a valid setting.
func (e *Extract) Threshold() float64 {
	if e.BilingualThreshold == nil {
		return DefaultBilingualThreshold
	}
	return *e.BilingualThreshold
}

type TorrentGlobal struct {
	MetadataFolder  string   `yaml:"metadata_folder,omitempty"`
	MetadataTimeout int      `yaml:"metadata_timeout,omitempty"`
	ReadTimeout     int      `yaml:"read_timeout,omitempty"`
	Workers         int      `yaml:"workers,omitempty"`
	MaxAttempts     int      `yaml:"max_attempts,omitempty"`
	GlobalCacheSize int64    `yaml:"global_cache_size,omitempty"`
	ResidentPieces  int      `yaml:"resident_pieces,omitempty"`
	DisableIPv6     bool     `yaml:"disable_ipv6,omitempty"`
	DisableTCP      bool     `yaml:"disable_tcp,omitempty"`
	DisableUTP      bool     `yaml:"disable_utp,omitempty"`
	IP              string   `yaml:"ip,omitempty"`
	ListenPort      int      `yaml:"listen_port,omitempty"`
	ExtraTrackers   []string `yaml:"extra_trackers,omitempty"`
}

type HTTPGlobal struct {
	Port int    `yaml:"port"`
	IP   string `yaml:"ip"`
}

const (
	DefaultRateLimit          = "512k"
	DefaultBilingualThreshold = 0.03
	DefaultFullDownload       = 0.5
	DefaultArchiveMaxSize     = "64m"
)

func AddDefaults(r *Root) *Root {
	if r.Extract == nil {
		r.Extract = &Extract{}
	}
	e := r.Extract
	if e.Output == "" {
		e.Output = "."
	}
	if len(e.Extensions) == 0 {
		e.Extensions = []string{"ass", "srt", "vtt"}
	}
	if e.Languages == nil {
		e.Languages = []string{"zh", "zh-TW", "ja"}
	}
	if e.RateLimit == "" {
		e.RateLimit = DefaultRateLimit
	}
	if e.FullDownloadFraction == 0 {
		e.FullDownloadFraction = DefaultFullDownload
	}
	if e.ArchiveMaxSize == "" {
		e.ArchiveMaxSize = DefaultArchiveMaxSize
	}

	if r.Torrent == nil {
		r.Torrent = &TorrentGlobal{}
	}
	if r.Torrent.MetadataFolder == "" {
		r.Torrent.MetadataFolder = metadataFolder
	}
	if r.Torrent.MetadataTimeout == 0 {
		r.Torrent.MetadataTimeout = 60
	}
	if r.Torrent.ReadTimeout == 0 {
		r.Torrent.ReadTimeout = 120
	}
	if r.Torrent.Workers == 0 {
		r.Torrent.Workers = 4
	}
	if r.Torrent.MaxAttempts == 0 {
		r.Torrent.MaxAttempts = 3
	}
	if r.Torrent.GlobalCacheSize == 0 {
		r.Torrent.GlobalCacheSize = 1024 // 1GB
	}
	if r.Torrent.ResidentPieces == 0 {
		r.Torrent.ResidentPieces = 64
	}

	if r.HTTP == nil {
		r.HTTP = &HTTPGlobal{}
	}
	if r.HTTP.IP == "" {
		r.HTTP.IP = "0.0.0.0"
	}
	if r.HTTP.Port == 0 {
		r.HTTP.Port = 4445
	}

	if r.Log == nil {
		r.Log = &Log{}
	}

	return r
}
