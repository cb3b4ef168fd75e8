// Package configsvc provides a service for watching configuration files and notifying clients of changes.
package configsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"go.uber.org/zap"
)

type subscriber func(event fsnotify.Event)

type Service struct {
	log *zap.Logger

	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	subscribers []subscriber
	ready       chan struct{}
}

func New(log *zap.Logger) *Service {
	svc := &Service{
		log:   log,
		ready: make(chan struct{}),
	}
	return svc
}

func (s *Service) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	s.watcher = watcher
	defer s.watcher.Close()
	close(s.ready)
	s.log.Info("Config service started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.mu.Lock()
			for _, sub := range s.subscribers {
				sub(event)
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("Watcher error", zap.Error(err))
		}
	}
}

// Ready is closed once Register may be called.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Register registers a configuration file to watch for changes and calls fn with the new configuration.
// It returns the initial configuration and an error if the file cannot be read.
// Service instance is used as a parameter instead of the method receiver to enable generic types.
// Fields missing from the file keep their value from def.
func Register[T any](s *Service, path string, def T, fn func(config T, err error)) (T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return def, fmt.Errorf("failed to get absolute path for %s: %w", path, err)
	}
	config, err := Load(absPath, def)
	if err != nil {
		return def, err
	}
	if err := watch(s, absPath, def, fn); err != nil {
		return def, err
	}
	return config, nil
}

// RegisterWriteable is Register, but a missing file is first created from def.
func RegisterWriteable[T any](s *Service, path string, def T, fn func(config T, err error)) (T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return def, fmt.Errorf("failed to get absolute path for %s: %w", path, err)
	}
	config, err := Load(absPath, def)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = Write(absPath, def)
		if err != nil {
			return def, fmt.Errorf("failed to initialize config: %w", err)
		}
		s.log.Info("Wrote default config", zap.String("path", absPath))
		config = def
	case err != nil:
		return def, err
	}
	if err := watch(s, absPath, def, fn); err != nil {
		return def, err
	}
	return config, nil
}

func watch[T any](s *Service, absPath string, def T, fn func(config T, err error)) error {
	err := s.watcher.Add(filepath.Dir(absPath))
	if err != nil {
		return fmt.Errorf("failed to add path to watcher %s: %w", absPath, err)
	}

	s.mu.Lock()
	s.subscribers = append(s.subscribers, func(event fsnotify.Event) {
		if event.Name == absPath && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
			s.log.Debug("Config file changed", zap.String("path", absPath), zap.Stringer("op", event.Op))
			newConfig, err := Load(absPath, def)
			fn(newConfig, err)
		}
	})
	s.mu.Unlock()
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads a YAML or TOML file, picked by extension, over a copy of def.
func Load[T any](path string, def T) (T, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("failed to read config file: %w", err)
	}
	config, err := Decode(path, b, def)
	if err != nil {
		return def, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return config, nil
}

// Decode parses data in the format implied by path over a copy of def.
func Decode[T any](path string, data []byte, def T) (T, error) {
	// def goes through json first so decoding never writes into slices or maps shared with it
	defB, err := json.Marshal(def)
	if err != nil {
		return def, fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var config T
	err = json.Unmarshal(defB, &config)
	if err != nil {
		return def, fmt.Errorf("failed to copy defaults: %w", err)
	}

	if isTOML(path) {
		_, err = toml.Decode(string(data), &config)
		if err != nil {
			return def, fmt.Errorf("failed to unmarshal toml: %w", err)
		}
		return config, nil
	}

	jsonB, err := yaml.YAMLToJSON(data)
	if err != nil {
		return def, fmt.Errorf("failed to convert yaml to json: %w", err)
	}
	err = json.Unmarshal(jsonB, &config)
	if err != nil {
		return def, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return config, nil
}

// Marshal encodes config in the format implied by path.
func Marshal(path string, config any) ([]byte, error) {
	if isTOML(path) {
		var buf bytes.Buffer
		err := toml.NewEncoder(&buf).Encode(config)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal toml: %w", err)
		}
		return buf.Bytes(), nil
	}

	jsonB, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	yamlB, err := yaml.JSONToYAML(jsonB)
	if err != nil {
		return nil, fmt.Errorf("failed to convert json to yaml: %w", err)
	}
	return yamlB, nil
}

func Write(path string, config any) error {
	b, err := Marshal(path, config)
	if err != nil {
		return err
	}
	err = os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	err = os.WriteFile(path, b, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
