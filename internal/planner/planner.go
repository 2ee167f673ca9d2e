// Package planner turns the configured rendition table into a job's
// rendition set.
package planner

import (
	"sort"

	"github.com/amillerrr/vod-packager/internal/config"
	"github.com/amillerrr/vod-packager/pkg/models"
)

// Planner holds a validated rendition table.
type Planner struct {
	specs []config.RenditionSpec
}

// New validates specs and returns a Planner over a private copy of them.
func New(specs []config.RenditionSpec) (*Planner, error) {
	if err := config.ValidateRenditions(specs); err != nil {
		return nil, err
	}

	sorted := append([]config.RenditionSpec(nil), specs...)
	// Highest fidelity first; ties keep table order.
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].QualityParam < sorted[j].QualityParam
	})
	return &Planner{specs: sorted}, nil
}

// Plan returns fresh Pending renditions in manifest order. It has no side
// effects and returns a new slice on every call.
func (p *Planner) Plan() []*models.Rendition {
	out := make([]*models.Rendition, len(p.specs))
	for i, s := range p.specs {
		out[i] = &models.Rendition{
			Name:          s.Name,
			QualityParam:  s.QualityParam,
			TargetBitrate: s.TargetBitrate,
			Status:        models.RenditionPending,
		}
	}
	return out
}

// Names returns the planned rendition names in order.
func (p *Planner) Names() []string {
	names := make([]string, len(p.specs))
	for i, s := range p.specs {
		names[i] = s.Name
	}
	return names
}
