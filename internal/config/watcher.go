package config

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the .env file and re-applies Tunables when it changes.
type Watcher struct {
	envPath      string
	watcher      *fsnotify.Watcher
	stopChan     chan struct{}
	stopOnce     sync.Once
	debounce     time.Duration
	pollInterval time.Duration

	mu          sync.Mutex
	current     Tunables
	lastModTime time.Time
	onChange    func(Tunables)
}

// NewWatcher watches cfg.EnvFile. onChange runs on the watcher goroutine
// each time the tunables differ from the last applied set.
func NewWatcher(cfg *Config, onChange func(Tunables)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cw := &Watcher{
		envPath:      cfg.EnvFile,
		watcher:      w,
		stopChan:     make(chan struct{}),
		debounce:     100 * time.Millisecond,
		pollInterval: 5 * time.Second,
		current:      cfg.Tunables,
		onChange:     onChange,
	}
	if stat, err := os.Stat(cw.envPath); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	return cw, nil
}

// Start begins watching. When the directory cannot be watched it falls
// back to polling the file's modification time.
func (cw *Watcher) Start() {
	dir := filepath.Dir(cw.envPath)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go cw.pollForChanges()
		return
	}
	go cw.watchForChanges()
	log.Info().Str("env_path", cw.envPath).Msg("Started watching config file for changes")
}

// Stop is safe to call more than once.
func (cw *Watcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		_ = cw.watcher.Close()
	})
}

// Reload re-reads the file immediately, e.g. on SIGHUP.
func (cw *Watcher) Reload() {
	cw.reload()
}

// Current returns the last applied tunables.
func (cw *Watcher) Current() Tunables {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.current
}

func (cw *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// let the writer finish
			time.Sleep(cw.debounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			cw.reload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *Watcher) pollForChanges() {
	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(cw.envPath)
			if err != nil {
				continue
			}
			cw.mu.Lock()
			changed := stat.ModTime().After(cw.lastModTime)
			if changed {
				cw.lastModTime = stat.ModTime()
			}
			cw.mu.Unlock()
			if changed {
				log.Info().Msg("Detected .env file change via polling")
				cw.reload()
			}
		case <-cw.stopChan:
			return
		}
	}
}

// reload applies tunables from the file, falling back to the process
// environment for keys the file does not set.
func (cw *Watcher) reload() {
	envMap, err := godotenv.Read(cw.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("file", cw.envPath).Msg("Failed to read .env file")
			return
		}
		envMap = map[string]string{}
	}

	p := &parser{getenv: func(key string) string {
		if v, ok := envMap[key]; ok {
			return v
		}
		return os.Getenv(key)
	}}
	next := tunablesFrom(p)
	if err := p.errs.ErrorOrNil(); err != nil {
		log.Warn().Err(err).Msg("Ignoring invalid config reload")
		return
	}
	if next.ExpiringSoonDays <= 0 {
		log.Warn().Int("days", next.ExpiringSoonDays).Msg("Ignoring non-positive LICENSE_EXPIRING_SOON_DAYS")
		return
	}

	cw.mu.Lock()
	if reflect.DeepEqual(next, cw.current) {
		cw.mu.Unlock()
		return
	}
	cw.current = next
	onChange := cw.onChange
	cw.mu.Unlock()

	log.Info().
		Int("expiring_soon_days", next.ExpiringSoonDays).
		Int("admin_emails", len(next.AdminEmails)).
		Str("log_level", next.LogLevel).
		Msg("Applied config reload")
	if onChange != nil {
		onChange(next)
	}
}
