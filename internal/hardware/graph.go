// Package hardware holds the Hardware -> Module -> Channel entity graph.
//
// The graph is an arena: entities are addressed by ID, each stores its
// parent's ID and the IDs of the children it owns. Structure is fixed once
// Build returns; only Config values, channel models and output levels change
// afterwards, each swapped atomically per entity.
package hardware

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenMeasurementCore/internal/model"
	"go.uber.org/atomic"
)

// ID addresses an entity within one process. It is not stable across
// restarts; persisted identity is the (class, name) chain.
type ID int

// NoParent is the parent of top-level hardware.
const NoParent ID = -1

type Kind string

const (
	KindHardware     Kind = "hardware"
	KindModule       Kind = "module"
	KindMultiChannel Kind = "multichannel"
	KindChannel      Kind = "channel"
)

const pathSeparator = "/"

// Ref is one step of a persisted entity path.
type Ref struct {
	Class string `json:"class"`
	Name  string `json:"name"`
}

type modelBox struct {
	m model.Model
}

type node struct {
	id       ID
	kind     Kind
	class    string
	name     string
	path     string
	parent   ID
	children []ID

	// writeMu serializes writers; readers only Load.
	writeMu sync.Mutex
	config  atomic.Pointer[Config]
	model   atomic.Pointer[modelBox]
	level   atomic.Float64

	chType    string
	unit      string
	pin       string
	direction Direction
	driver    Capability
}

// Entity is a read-only view of a node.
type Entity struct {
	ID        ID        `json:"id"`
	Kind      Kind      `json:"kind"`
	Class     string    `json:"class"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Parent    ID        `json:"parent"`
	Children  []ID      `json:"children,omitempty"`
	Type      string    `json:"type,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Pin       string    `json:"pin,omitempty"`
	Direction Direction `json:"direction,omitempty"`
}

// Graph is the constructed entity arena.
type Graph struct {
	nodes    []*node
	roots    []ID
	channels []ID
	groups   []ID
	byPath   map[string]ID
}

func (g *Graph) get(id ID) (*node, error) {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil, &PathNotFoundError{Path: fmt.Sprintf("#%d", id)}
	}
	return g.nodes[id], nil
}

// Entity returns the view of id.
func (g *Graph) Entity(id ID) (Entity, bool) {
	n, err := g.get(id)
	if err != nil {
		return Entity{}, false
	}
	children := make([]ID, len(n.children))
	copy(children, n.children)
	return Entity{
		ID:        n.id,
		Kind:      n.kind,
		Class:     n.class,
		Name:      n.name,
		Path:      n.path,
		Parent:    n.parent,
		Children:  children,
		Type:      n.chType,
		Unit:      n.unit,
		Pin:       n.pin,
		Direction: n.direction,
	}, true
}

// Len returns the number of entities.
func (g *Graph) Len() int { return len(g.nodes) }

// All returns every entity ID in construction order.
func (g *Graph) All() []ID {
	out := make([]ID, len(g.nodes))
	for i := range g.nodes {
		out[i] = ID(i)
	}
	return out
}

// Roots returns the top-level hardware IDs.
func (g *Graph) Roots() []ID {
	return append([]ID(nil), g.roots...)
}

// Channels returns all channels in construction order.
func (g *Graph) Channels() []ID {
	return append([]ID(nil), g.channels...)
}

// MultiChannels returns all channel groups in construction order.
func (g *Graph) MultiChannels() []ID {
	return append([]ID(nil), g.groups...)
}

// Parent returns the owner of id, following the non-owning back-reference.
func (g *Graph) Parent(id ID) (ID, bool) {
	n, err := g.get(id)
	if err != nil || n.parent == NoParent {
		return NoParent, false
	}
	return n.parent, true
}

func (g *Graph) Children(id ID) []ID {
	n, err := g.get(id)
	if err != nil {
		return nil
	}
	return append([]ID(nil), n.children...)
}

// Path returns the slash separated name path of id.
func (g *Graph) Path(id ID) string {
	n, err := g.get(id)
	if err != nil {
		return fmt.Sprintf("#%d", id)
	}
	return n.path
}

// Refs returns the (class, name) chain from the root down to id.
func (g *Graph) Refs(id ID) []Ref {
	var refs []Ref
	for cur := id; cur != NoParent; {
		n, err := g.get(cur)
		if err != nil {
			return nil
		}
		refs = append(refs, Ref{Class: n.class, Name: n.name})
		cur = n.parent
	}
	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
	}
	return refs
}

// Resolve looks an entity up by its name path.
func (g *Graph) Resolve(path string) (ID, error) {
	id, ok := g.byPath[strings.Trim(path, pathSeparator)]
	if !ok {
		return NoParent, &PathNotFoundError{Path: path}
	}
	return id, nil
}

// ResolveRefs looks an entity up by its persisted (class, name) chain. Class
// must match at every level.
func (g *Graph) ResolveRefs(refs []Ref) (ID, error) {
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name
	}
	path := strings.Join(names, pathSeparator)
	id, ok := g.byPath[path]
	if !ok || len(refs) == 0 {
		return NoParent, &PathNotFoundError{Path: path}
	}
	got := g.Refs(id)
	if len(got) != len(refs) {
		return NoParent, &PathNotFoundError{Path: path}
	}
	for i := range refs {
		if got[i].Class != refs[i].Class {
			return NoParent, &PathNotFoundError{Path: path}
		}
	}
	return id, nil
}

// Config returns the current options of id.
func (g *Graph) Config(id ID) (Config, error) {
	n, err := g.get(id)
	if err != nil {
		return Config{}, err
	}
	return *n.config.Load(), nil
}

// SetConfig validates and writes a single key.
func (g *Graph) SetConfig(id ID, key string, v Value) error {
	n, err := g.get(id)
	if err != nil {
		return err
	}
	if key == "" {
		return &ValidationError{Path: n.path, Key: key, Reason: "empty key"}
	}
	norm, err := validateKey(key, v)
	if err != nil {
		return &ValidationError{Path: n.path, Key: key, Reason: err.Error()}
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	next := n.config.Load().With(key, norm)
	n.config.Store(&next)
	return nil
}

// OverlayConfig validates every key of patch and, only if all pass, swaps in
// the current options with patch applied on top.
func (g *Graph) OverlayConfig(id ID, patch Config) error {
	n, err := g.get(id)
	if err != nil {
		return err
	}
	normalized, err := normalizeConfig(n.path, patch)
	if err != nil {
		return err
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	next := n.config.Load().Overlay(normalized)
	n.config.Store(&next)
	return nil
}

func normalizeConfig(path string, c Config) (Config, error) {
	out := Config{values: make(map[string]Value, c.Len())}
	for _, k := range c.Keys() {
		v, _ := c.Get(k)
		norm, err := validateKey(k, v)
		if err != nil {
			return Config{}, &ValidationError{Path: path, Key: k, Reason: err.Error()}
		}
		out.values[k] = norm
	}
	return out, nil
}

// Model returns the transform of a channel.
func (g *Graph) Model(id ID) (model.Model, error) {
	n, err := g.channel(id)
	if err != nil {
		return nil, err
	}
	return n.model.Load().m, nil
}

// SetModel replaces a channel's transform as a whole.
func (g *Graph) SetModel(id ID, m model.Model) error {
	n, err := g.channel(id)
	if err != nil {
		return err
	}
	if m == nil {
		return &ValidationError{Path: n.path, Key: "model", Reason: "model is required"}
	}
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	n.model.Store(&modelBox{m: m})
	return nil
}

func (g *Graph) channel(id ID) (*node, error) {
	n, err := g.get(id)
	if err != nil {
		return nil, err
	}
	if n.kind != KindChannel {
		return nil, &ValidationError{Path: n.path, Key: "model", Reason: fmt.Sprintf("%s is not a channel", n.kind)}
	}
	return n, nil
}

// Active reports whether id and every ancestor are enabled. It is derived on
// every call and never cached.
func (g *Graph) Active(id ID) bool {
	for cur := id; cur != NoParent; {
		n, err := g.get(cur)
		if err != nil {
			return false
		}
		if !n.config.Load().Enabled() {
			return false
		}
		cur = n.parent
	}
	return true
}

// EffectiveSampleRate returns the nearest sample_rate found walking from id
// towards the root.
func (g *Graph) EffectiveSampleRate(id ID) (float64, bool) {
	for cur := id; cur != NoParent; {
		n, err := g.get(cur)
		if err != nil {
			return 0, false
		}
		if rate, ok := n.config.Load().SampleRate(); ok {
			return rate, true
		}
		cur = n.parent
	}
	return 0, false
}

// Level returns the last value written to an output channel.
func (g *Graph) Level(id ID) (float64, error) {
	n, err := g.get(id)
	if err != nil {
		return 0, err
	}
	return n.level.Load(), nil
}

func (g *Graph) line(n *node) Line {
	return Line{
		Path:      n.path,
		Name:      n.name,
		Pin:       n.pin,
		Type:      n.chType,
		Direction: n.direction,
	}
}

// driverFor returns the capability of the nearest ancestor carrying one.
func (g *Graph) driverFor(n *node) Capability {
	for cur := n; ; {
		if cur.driver != nil {
			return cur.driver
		}
		if cur.parent == NoParent {
			return nil
		}
		cur = g.nodes[cur.parent]
	}
}

// ReadRaw reads the raw value of a channel through its driver.
func (g *Graph) ReadRaw(ctx context.Context, id ID) (float64, error) {
	n, err := g.get(id)
	if err != nil {
		return 0, err
	}
	drv := g.driverFor(n)
	if drv == nil {
		return 0, &ReadError{Path: n.path, Err: fmt.Errorf("no driver attached")}
	}
	v, err := drv.ReadRaw(ctx, g.line(n))
	if err != nil {
		return 0, &ReadError{Path: n.path, Err: err}
	}
	return v, nil
}

// WriteRaw drives an output channel and records its level on success.
func (g *Graph) WriteRaw(ctx context.Context, id ID, value float64) error {
	n, err := g.get(id)
	if err != nil {
		return err
	}
	if n.kind != KindChannel || n.direction != DirectionOutput {
		return &WriteError{Path: n.path, Err: fmt.Errorf("not an output channel")}
	}
	drv := g.driverFor(n)
	if drv == nil {
		return &WriteError{Path: n.path, Err: fmt.Errorf("no driver attached")}
	}
	if err := drv.WriteRaw(ctx, g.line(n), value); err != nil {
		return &WriteError{Path: n.path, Err: err}
	}
	n.level.Store(value)
	return nil
}

// Drivers returns the distinct capabilities attached to the graph.
func (g *Graph) Drivers() []Capability {
	var out []Capability
	for _, n := range g.nodes {
		if n.driver == nil {
			continue
		}
		dup := false
		for _, d := range out {
			if d == n.driver {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, n.driver)
		}
	}
	return out
}
