package hardware

import (
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenMeasurementCore/internal/model"
)

// ChannelSpec describes one channel to add.
type ChannelSpec struct {
	Class     string
	Name      string
	Type      string
	Unit      string
	Pin       string
	Direction Direction
	Config    Config
	Model     model.Model
}

// Builder constructs a Graph. The first error is sticky and returned by Build.
type Builder struct {
	g   *Graph
	err error
}

func NewBuilder() *Builder {
	return &Builder{g: &Graph{byPath: make(map[string]ID)}}
}

func (b *Builder) add(parent ID, kind Kind, class, name string, cfg Config) (*node, bool) {
	if b.err != nil {
		return nil, false
	}
	if class == "" || name == "" {
		b.err = fmt.Errorf("%s: class and name are required", kind)
		return nil, false
	}
	if strings.Contains(name, pathSeparator) {
		b.err = fmt.Errorf("%s %q: name must not contain %q", kind, name, pathSeparator)
		return nil, false
	}

	path := name
	if parent != NoParent {
		p, err := b.g.get(parent)
		if err != nil {
			b.err = fmt.Errorf("%s %q: unknown parent %d", kind, name, parent)
			return nil, false
		}
		if !allowedParent(kind, p.kind) {
			b.err = fmt.Errorf("%s %q cannot be attached to %s %q", kind, name, p.kind, p.path)
			return nil, false
		}
		path = p.path + pathSeparator + name
	} else if kind != KindHardware {
		b.err = fmt.Errorf("%s %q requires a parent", kind, name)
		return nil, false
	}
	if _, dup := b.g.byPath[path]; dup {
		b.err = fmt.Errorf("duplicate entity %q", path)
		return nil, false
	}

	normalized, err := normalizeConfig(path, cfg)
	if err != nil {
		b.err = err
		return nil, false
	}

	n := &node{
		id:     ID(len(b.g.nodes)),
		kind:   kind,
		class:  class,
		name:   name,
		path:   path,
		parent: parent,
	}
	n.config.Store(&normalized)

	b.g.nodes = append(b.g.nodes, n)
	b.g.byPath[path] = n.id
	if parent == NoParent {
		b.g.roots = append(b.g.roots, n.id)
	} else {
		p := b.g.nodes[parent]
		p.children = append(p.children, n.id)
	}
	return n, true
}

func allowedParent(child, parent Kind) bool {
	switch child {
	case KindModule:
		return parent == KindHardware
	case KindMultiChannel:
		return parent == KindHardware || parent == KindModule
	case KindChannel:
		return parent == KindHardware || parent == KindModule || parent == KindMultiChannel
	}
	return false
}

// Hardware adds a top-level controller. drv may be nil when every module
// below brings its own driver.
func (b *Builder) Hardware(class, name string, cfg Config, drv Capability) ID {
	n, ok := b.add(NoParent, KindHardware, class, name, cfg)
	if !ok {
		return NoParent
	}
	n.driver = drv
	return n.id
}

// Module adds a device attached to a hardware. A nil drv inherits the
// hardware's capability.
func (b *Builder) Module(parent ID, class, name string, cfg Config, drv Capability) ID {
	n, ok := b.add(parent, KindModule, class, name, cfg)
	if !ok {
		return NoParent
	}
	n.driver = drv
	return n.id
}

// MultiChannel adds a group whose channels are sampled within one tick.
func (b *Builder) MultiChannel(parent ID, class, name string, cfg Config) ID {
	n, ok := b.add(parent, KindMultiChannel, class, name, cfg)
	if !ok {
		return NoParent
	}
	b.g.groups = append(b.g.groups, n.id)
	return n.id
}

// Channel adds a leaf. Channels without a model get the identity transform.
func (b *Builder) Channel(parent ID, spec ChannelSpec) ID {
	n, ok := b.add(parent, KindChannel, spec.Class, spec.Name, spec.Config)
	if !ok {
		return NoParent
	}
	m := spec.Model
	if m == nil {
		m = model.Identity()
	}
	dir := spec.Direction
	if dir == "" {
		dir = DirectionInput
	}
	if dir != DirectionInput && dir != DirectionOutput {
		b.err = fmt.Errorf("channel %q: invalid direction %q", n.path, dir)
		return NoParent
	}
	n.chType = spec.Type
	n.unit = spec.Unit
	n.pin = spec.Pin
	n.direction = dir
	n.model.Store(&modelBox{m: m})
	b.g.channels = append(b.g.channels, n.id)
	return n.id
}

// Build returns the finished graph.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	g := b.g
	b.g = nil
	b.err = fmt.Errorf("builder already used")
	return g, nil
}
