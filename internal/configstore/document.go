package configstore

import (
	"fmt"

	"github.com/KevinKickass/OpenMeasurementCore/internal/hardware"
)

const documentVersion = 1

// Tier selects which entities a file holds.
type Tier string

const (
	TierHardware Tier = "hardware"
	TierModule   Tier = "module"
	TierChannel  Tier = "channel"
)

// Tiers lists the tiers in the order they are written and applied.
var Tiers = []Tier{TierHardware, TierModule, TierChannel}

// Variant distinguishes the last explicit save from the factory baseline.
type Variant string

const (
	VariantUser    Variant = "user"
	VariantDefault Variant = "default"
)

// FileName returns the file holding tier t of variant v.
func FileName(t Tier, v Variant) string {
	return fmt.Sprintf("%s_%s.json", t, v)
}

func tierOf(k hardware.Kind) Tier {
	switch k {
	case hardware.KindHardware:
		return TierHardware
	case hardware.KindChannel:
		return TierChannel
	default:
		return TierModule
	}
}

// Record is the persisted configuration of one entity. Identity is the
// parent chain plus class and name; runtime IDs are never written.
type Record struct {
	Class   string          `json:"class"`
	Name    string          `json:"name"`
	Parents []hardware.Ref  `json:"parents"`
	Config  hardware.Config `json:"config"`
	Model   string          `json:"model,omitempty"`
}

// Refs returns the full (class, name) chain of the record.
func (r Record) Refs() []hardware.Ref {
	refs := make([]hardware.Ref, 0, len(r.Parents)+1)
	refs = append(refs, r.Parents...)
	return append(refs, hardware.Ref{Class: r.Class, Name: r.Name})
}

// Path returns the slash separated name path of the record.
func (r Record) Path() string {
	path := ""
	for _, ref := range r.Refs() {
		if path != "" {
			path += "/"
		}
		path += ref.Name
	}
	return path
}

// Document is the content of one tier file.
type Document struct {
	Version int      `json:"version"`
	Tier    Tier     `json:"tier"`
	Records []Record `json:"records"`
}
