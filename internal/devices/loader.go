package devices

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

var deviceFileExtensions = []string{".yaml", ".yml", ".json"}

// ConfigLoader reads per-device configuration files from a list of
// directories. JSON files are read with the YAML decoder, so both formats
// accept durations such as "500ms".
type ConfigLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewConfigLoader(searchPaths []string, validator *Validator) (*ConfigLoader, error) {
	if validator == nil {
		var err error
		validator, err = NewValidator()
		if err != nil {
			return nil, fmt.Errorf("failed to create validator: %w", err)
		}
	}

	return &ConfigLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load returns the device described by name.yaml, name.yml or name.json
// in the first search path that has one.
func (l *ConfigLoader) Load(name string) (types.DeviceConfig, error) {
	if cached, ok := l.cache.Load(name); ok {
		return cached.(types.DeviceConfig), nil
	}

	for _, searchPath := range l.searchPaths {
		for _, ext := range deviceFileExtensions {
			fullPath := filepath.Join(searchPath, name+ext)
			data, err := os.ReadFile(fullPath)
			if err != nil {
				continue
			}
			cfg, err := l.parse(fullPath, data)
			if err != nil {
				return types.DeviceConfig{}, err
			}
			l.cache.Store(name, cfg)
			return cfg, nil
		}
	}

	return types.DeviceConfig{}, fmt.Errorf("device file not found: %s (searched in: %v)", name, l.searchPaths)
}

// LoadAll reads every device file in the search paths, ordered by path.
func (l *ConfigLoader) LoadAll() ([]types.DeviceConfig, error) {
	var files []string
	for _, searchPath := range l.searchPaths {
		entries, err := os.ReadDir(searchPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", searchPath, err)
		}
		for _, e := range entries {
			if e.IsDir() || !isDeviceFile(e.Name()) {
				continue
			}
			files = append(files, filepath.Join(searchPath, e.Name()))
		}
	}
	sort.Strings(files)

	configs := make([]types.DeviceConfig, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		cfg, err := l.parse(path, data)
		if err != nil {
			return nil, err
		}
		l.cache.Store(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), cfg)
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (l *ConfigLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}

func (l *ConfigLoader) parse(path string, data []byte) (types.DeviceConfig, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return types.DeviceConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := l.validator.ValidateValue(doc); err != nil {
		return types.DeviceConfig{}, fmt.Errorf("validation failed for %s: %w", path, err)
	}

	var cfg types.DeviceConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return types.DeviceConfig{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return cfg, nil
}

func isDeviceFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range deviceFileExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
