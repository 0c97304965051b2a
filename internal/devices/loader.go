package devices

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "embed"

	"github.com/KevinKickass/OpenMeasurementCore/internal/types"
	"gopkg.in/yaml.v3"
)

// DefaultLayout names the layout compiled into the binary.
const DefaultLayout = "default"

//go:embed layouts/default.yaml
var defaultLayoutYAML []byte

var layoutExtensions = []string{".yaml", ".yml", ".json"}

// LayoutLoader resolves layouts by name from the search paths, or by file
// path. Parsed layouts are cached.
type LayoutLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewLayoutLoader(searchPaths []string) (*LayoutLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &LayoutLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load resolves ref as a file path first, then as a name in the search
// paths. The name "default" falls back to the embedded layout.
func (l *LayoutLoader) Load(ref string) (*types.Layout, error) {
	if cached, ok := l.cache.Load(ref); ok {
		return cached.(*types.Layout), nil
	}

	data, source, err := l.find(ref)
	if err != nil {
		return nil, err
	}

	layout, err := l.Parse(data, source)
	if err != nil {
		return nil, err
	}

	l.cache.Store(ref, layout)
	return layout, nil
}

func (l *LayoutLoader) find(ref string) ([]byte, string, error) {
	if filepath.Ext(ref) != "" {
		data, err := os.ReadFile(ref)
		if err == nil {
			return data, ref, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("failed to read layout %s: %w", ref, err)
		}
	}

	for _, searchPath := range l.searchPaths {
		for _, ext := range layoutExtensions {
			fullPath := filepath.Join(searchPath, ref+ext)
			data, err := os.ReadFile(fullPath)
			if err == nil {
				return data, fullPath, nil
			}
		}
	}

	if ref == DefaultLayout {
		return defaultLayoutYAML, "embedded:default.yaml", nil
	}
	return nil, "", fmt.Errorf("layout not found: %s (searched in: %v)", ref, l.searchPaths)
}

// Parse decodes a YAML or JSON layout and validates it against the schema.
// JSON is a subset of YAML, so source only serves error messages.
func (l *LayoutLoader) Parse(data []byte, source string) (*types.Layout, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse layout %s: %w", source, err)
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert layout %s: %w", source, err)
	}

	if err := l.validator.ValidateLayout(jsonData); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", source, err)
	}

	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	var layout types.Layout
	if err := dec.Decode(&layout); err != nil {
		return nil, fmt.Errorf("failed to unmarshal layout %s: %w", source, err)
	}
	if err := l.validator.CheckReferences(&layout); err != nil {
		return nil, fmt.Errorf("invalid layout %s: %w", source, err)
	}
	if layout.Name == "" {
		layout.Name = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}

	return &layout, nil
}

func (l *LayoutLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
