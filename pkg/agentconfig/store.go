package agentconfig

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/errors"
)

// Profile configures one agent persona
type Profile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	CompanyName  string   `json:"company_name"`
	Personality  string   `json:"personality,omitempty"`
	Tone         string   `json:"tone,omitempty"`
	Goal         string   `json:"goal,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Greeting     string   `json:"greeting,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	MaxSteps     int      `json:"max_steps,omitempty"`
	Namespace    string   `json:"namespace,omitempty"`
	TTSProvider  string   `json:"tts_provider,omitempty"`
	Voice        string   `json:"voice,omitempty"`
	STTProvider  string   `json:"stt_provider,omitempty"`
	UseTools     *bool    `json:"use_tools,omitempty"`
}

// ToolsEnabled defaults to true when unset
func (p *Profile) ToolsEnabled() bool {
	return p.UseTools == nil || *p.UseTools
}

// HasCapability reports whether the profile lists a capability
func (p *Profile) HasCapability(name string) bool {
	for _, c := range p.Capabilities {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// ReloadCallback runs after every successful reload
type ReloadCallback func(ids []string)

// Store holds the profiles read from a directory of JSON files, one
// profile per file. The id defaults to the file name.
type Store struct {
	dir    string
	logger *logrus.Logger

	mu        sync.RWMutex
	profiles  map[string]*Profile
	callbacks []ReloadCallback

	debounce time.Duration
}

// NewStore loads every profile under dir. A missing directory yields an
// empty store.
func NewStore(logger *logrus.Logger, dir string) (*Store, error) {
	s := &Store{
		dir:      dir,
		logger:   logger,
		profiles: make(map[string]*Profile),
		debounce: 500 * time.Millisecond,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a copy of the profile
func (s *Store) Get(id string) (*Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, false
	}
	cp := *p
	cp.Capabilities = append([]string(nil), p.Capabilities...)
	return &cp, true
}

// IDs lists the loaded profile ids in order
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnReload registers a callback for successful reloads
func (s *Store) OnReload(cb ReloadCallback) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// Reload rereads the directory. A file that fails to parse keeps its
// previously loaded profile.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.WithField("dir", s.dir).Warn("Agent config directory not found, no profiles loaded")
			return nil
		}
		return errors.Wrap(err, "failed to read agent config directory", map[string]interface{}{"dir": s.dir})
	}

	s.mu.RLock()
	previous := s.profiles
	s.mu.RUnlock()

	next := make(map[string]*Profile)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		fileID := strings.TrimSuffix(entry.Name(), ".json")

		p, err := loadProfile(path)
		if err != nil {
			s.logger.WithError(err).WithField("file", path).Warn("Invalid agent config, keeping previous version")
			if old, ok := previous[fileID]; ok {
				next[fileID] = old
			}
			continue
		}
		if p.ID == "" {
			p.ID = fileID
		}
		next[p.ID] = p
	}

	s.mu.Lock()
	s.profiles = next
	callbacks := append([]ReloadCallback(nil), s.callbacks...)
	s.mu.Unlock()

	ids := s.IDs()
	s.logger.WithFields(logrus.Fields{
		"dir":      s.dir,
		"profiles": len(ids),
	}).Info("Agent configurations loaded")
	for _, cb := range callbacks {
		cb(ids)
	}
	return nil
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "failed to parse agent config")
	}
	if p.MaxSteps < 0 {
		return nil, errors.NewInvalidInput("max_steps must not be negative")
	}
	return &p, nil
}

// Watch reloads the store when files in the directory change, until ctx is
// cancelled. Bursts of events collapse into one reload.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return errors.Wrap(err, "failed to watch agent config directory", map[string]interface{}{"dir": s.dir})
	}
	go s.watchLoop(ctx, watcher)
	s.logger.WithField("dir", s.dir).Info("Agent config hot reload started")
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Agent config watcher panic recovered")
		}
	}()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  event.Name,
			}).Debug("Agent config change detected")
			pending = time.After(s.debounce)
		case <-pending:
			pending = nil
			if err := s.Reload(); err != nil {
				s.logger.WithError(err).Error("Agent config reload failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Warn("Agent config watcher error")
		}
	}
}
