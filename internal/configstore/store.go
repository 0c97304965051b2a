// Package configstore persists entity configuration in three JSON tiers
// (hardware, module, channel), each with a user and a default variant.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
	"github.com/KevinKickass/OpenMeasurementCore/internal/model"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PersistenceError reports a failed file operation on a tier.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s config: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s config %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RecordError describes a record that matched a live entity but was rejected.
type RecordError struct {
	Tier   Tier   `json:"tier"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// LoadReport summarizes a merge-on-load.
type LoadReport struct {
	Variant   Variant       `json:"variant"`
	Applied   int           `json:"applied"`
	Unmatched []string      `json:"unmatched,omitempty"`
	Rejected  []RecordError `json:"rejected,omitempty"`
}

// Store binds the tier files in dir to a live graph.
type Store struct {
	dir       string
	graph     *hardware.Graph
	validator *Validator
	logger    *zap.Logger

	// mu serializes persistence operations against each other.
	mu sync.Mutex
}

func New(dir string, graph *hardware.Graph, logger *zap.Logger) (*Store, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	return &Store{
		dir:       dir,
		graph:     graph,
		validator: validator,
		logger:    logger,
	}, nil
}

// Dir returns the directory holding the tier files.
func (s *Store) Dir() string { return s.dir }

// Snapshot captures the live configuration of every entity, grouped by tier.
func (s *Store) Snapshot() map[Tier]Document {
	docs := make(map[Tier]Document, len(Tiers))
	for _, t := range Tiers {
		docs[t] = Document{Version: documentVersion, Tier: t, Records: []Record{}}
	}

	for _, id := range s.graph.All() {
		ent, _ := s.graph.Entity(id)
		cfg, _ := s.graph.Config(id)
		refs := s.graph.Refs(id)
		rec := Record{
			Class:   ent.Class,
			Name:    ent.Name,
			Parents: refs[:len(refs)-1],
			Config:  cfg,
		}
		if rec.Parents == nil {
			rec.Parents = []hardware.Ref{}
		}
		if ent.Kind == hardware.KindChannel {
			if m, err := s.graph.Model(id); err == nil {
				rec.Model = m.String()
			}
		}
		t := tierOf(ent.Kind)
		doc := docs[t]
		doc.Records = append(doc.Records, rec)
		docs[t] = doc
	}
	return docs
}

// Save writes the user variant of all three tiers.
func (s *Store) Save(ctx context.Context) error {
	return s.write(ctx, VariantUser)
}

// EnsureDefaults writes the default variant from the live graph when any
// default file is missing. It reports whether files were written.
func (s *Store) EnsureDefaults(ctx context.Context) (bool, error) {
	for _, t := range Tiers {
		_, err := os.Stat(filepath.Join(s.dir, FileName(t, VariantDefault)))
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("Seeding default configuration", zap.String("dir", s.dir))
			return true, s.write(ctx, VariantDefault)
		}
		if err != nil {
			return false, &PersistenceError{Op: "stat", Path: FileName(t, VariantDefault), Err: err}
		}
	}
	return false, nil
}

// write stages every tier to a temp file and renames them into place only
// after all of them were written and synced.
func (s *Store) write(ctx context.Context, variant Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &PersistenceError{Op: "save", Path: s.dir, Err: err}
	}

	docs := s.Snapshot()
	staged := make(map[Tier]string, len(Tiers))
	cleanup := func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}

	var errs error
	for _, t := range Tiers {
		if err := ctx.Err(); err != nil {
			cleanup()
			return &PersistenceError{Op: "save", Err: err}
		}
		tmp, err := s.stage(docs[t], variant)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		staged[t] = tmp
	}
	if errs != nil {
		cleanup()
		return &PersistenceError{Op: "save", Path: s.dir, Err: errs}
	}

	for _, t := range Tiers {
		final := filepath.Join(s.dir, FileName(t, variant))
		if err := os.Rename(staged[t], final); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rename %s: %w", final, err))
			continue
		}
		delete(staged, t)
	}
	cleanup()
	if errs != nil {
		return &PersistenceError{Op: "save", Path: s.dir, Err: errs}
	}

	s.logger.Info("Configuration saved",
		zap.String("variant", string(variant)),
		zap.String("dir", s.dir))
	return nil
}

func (s *Store) stage(doc Document, variant Variant) (string, error) {
	name := FileName(doc.Tier, variant)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}

	f, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmp := f.Name()

	_, err = f.Write(append(data, '\n'))
	err = multierr.Combine(err, f.Sync(), f.Close())
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return tmp, nil
}

// LoadUser overlays the user variant onto the live graph.
func (s *Store) LoadUser(ctx context.Context) (LoadReport, error) {
	return s.load(ctx, VariantUser)
}

// LoadDefault overlays the default variant onto the live graph. The user
// files on disk are not touched.
func (s *Store) LoadDefault(ctx context.Context) (LoadReport, error) {
	return s.load(ctx, VariantDefault)
}

type pending struct {
	id     hardware.ID
	config hardware.Config
	model  model.Model
}

// load reads and validates all tiers before applying anything. File-level
// failures abort the load with no state change. Records without a live
// entity are reported as unmatched; records with invalid values are reported
// as rejected and skipped.
func (s *Store) load(ctx context.Context, variant Variant) (LoadReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := LoadReport{Variant: variant}

	docs := make([]Document, 0, len(Tiers))
	for _, t := range Tiers {
		doc, err := s.readTier(t, variant)
		if err != nil {
			return report, err
		}
		docs = append(docs, doc)
	}
	if err := ctx.Err(); err != nil {
		return report, &PersistenceError{Op: "load", Err: err}
	}

	var plan []pending
	for _, doc := range docs {
		for _, rec := range doc.Records {
			id, err := s.graph.ResolveRefs(rec.Refs())
			if err != nil {
				report.Unmatched = append(report.Unmatched, rec.Path())
				continue
			}
			ent, _ := s.graph.Entity(id)
			if tierOf(ent.Kind) != doc.Tier {
				report.Unmatched = append(report.Unmatched, rec.Path())
				continue
			}
			if err := hardware.ValidateConfig(ent.Path, rec.Config); err != nil {
				report.Rejected = append(report.Rejected, RecordError{Tier: doc.Tier, Path: ent.Path, Reason: err.Error()})
				continue
			}
			p := pending{id: id, config: rec.Config}
			if rec.Model != "" {
				if ent.Kind != hardware.KindChannel {
					report.Rejected = append(report.Rejected, RecordError{Tier: doc.Tier, Path: ent.Path, Reason: "model on non-channel entity"})
					continue
				}
				m, err := model.Parse(rec.Model)
				if err != nil {
					report.Rejected = append(report.Rejected, RecordError{Tier: doc.Tier, Path: ent.Path, Reason: err.Error()})
					continue
				}
				p.model = m
			}
			plan = append(plan, p)
		}
	}

	for _, p := range plan {
		if err := s.graph.OverlayConfig(p.id, p.config); err != nil {
			report.Rejected = append(report.Rejected, RecordError{Path: s.graph.Path(p.id), Reason: err.Error()})
			continue
		}
		if p.model != nil {
			if err := s.graph.SetModel(p.id, p.model); err != nil {
				report.Rejected = append(report.Rejected, RecordError{Path: s.graph.Path(p.id), Reason: err.Error()})
				continue
			}
		}
		report.Applied++
	}

	for _, path := range report.Unmatched {
		s.logger.Warn("Config record has no matching entity",
			zap.String("variant", string(variant)),
			zap.String("path", path))
	}
	for _, rej := range report.Rejected {
		s.logger.Warn("Config record rejected",
			zap.String("variant", string(variant)),
			zap.String("path", rej.Path),
			zap.String("reason", rej.Reason))
	}
	s.logger.Info("Configuration loaded",
		zap.String("variant", string(variant)),
		zap.Int("applied", report.Applied),
		zap.Int("unmatched", len(report.Unmatched)),
		zap.Int("rejected", len(report.Rejected)))

	return report, nil
}

func (s *Store) readTier(t Tier, variant Variant) (Document, error) {
	name := FileName(t, variant)
	path := filepath.Join(s.dir, name)

	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, &PersistenceError{Op: "load", Path: name, Err: err}
	}
	if err := s.validator.Validate(data); err != nil {
		return Document{}, &PersistenceError{Op: "load", Path: name, Err: err}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, &PersistenceError{Op: "load", Path: name, Err: err}
	}
	if doc.Tier != t {
		return Document{}, &PersistenceError{Op: "load", Path: name, Err: fmt.Errorf("file holds tier %q", doc.Tier)}
	}
	return doc, nil
}
