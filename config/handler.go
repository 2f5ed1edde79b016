package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	dataFolder     = "./torrent-subx-data"
	metadataFolder = dataFolder + "/metadata"
)

// Handler loads and stores the yaml configuration file. A missing file is not
// an error; the defaults are used instead.
type Handler struct {
	p  string
	mu sync.Mutex
}

func NewHandler(path string) *Handler {
	return &Handler{p: path}
}

func (c *Handler) Path() string {
	return c.p
}

func (c *Handler) Get() (*Root, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conf := &Root{}
	if c.p != "" {
		b, err := os.ReadFile(c.p)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("error reading configuration file: %w", err)
		default:
			if err := yaml.Unmarshal(b, conf); err != nil {
				return nil, fmt.Errorf("error parsing configuration file: %w", err)
			}
		}
	}

	conf = AddDefaults(conf)
	if err := Validate(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Handler) Save(conf *Root) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.p == "" {
		return fmt.Errorf("no configuration path set")
	}

	b, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("error encoding configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.p), 0744); err != nil {
		return fmt.Errorf("error creating configuration folder: %w", err)
	}
	return os.WriteFile(c.p, b, 0644)
}

// Validate rejects option values that would make every run fail.
func Validate(r *Root) error {
	e := r.Extract
	if t := e.Threshold(); t < 0 || t > 1 {
		return fmt.Errorf("bilingual_threshold must be within [0, 1], got %v", t)
	}
	if e.FullDownloadFraction <= 0 || e.FullDownloadFraction > 1 {
		return fmt.Errorf("full_download_fraction must be within (0, 1], got %v", e.FullDownloadFraction)
	}
	if _, err := ParseRate(e.RateLimit); err != nil {
		return err
	}
	if _, err := ParseSize(e.ArchiveMaxSize); err != nil {
		return err
	}
	if r.Torrent.Workers < 0 || r.Torrent.MaxAttempts < 0 {
		return fmt.Errorf("workers and max_attempts must not be negative")
	}
	return nil
}
