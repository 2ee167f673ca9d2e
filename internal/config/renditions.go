package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/amillerrr/vod-packager/pkg/models"
)

// MaxQualityParam is the top of the encoder's CRF scale.
const MaxQualityParam = 51

// RenditionSpec is one row of the rendition table.
type RenditionSpec struct {
	Name          string `yaml:"name"`
	QualityParam  int    `yaml:"quality"`
	TargetBitrate int64  `yaml:"bitrate"`
}

type renditionsFile struct {
	Renditions []RenditionSpec `yaml:"renditions"`
}

var renditionNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// DefaultRenditions returns the built-in rendition table.
func DefaultRenditions() []RenditionSpec {
	return []RenditionSpec{
		{Name: "high", QualityParam: 23, TargetBitrate: 5_000_000},
		{Name: "mid", QualityParam: 28, TargetBitrate: 2_500_000},
		{Name: "low", QualityParam: 35, TargetBitrate: 800_000},
	}
}

// LoadRenditions reads a YAML rendition table from path.
func LoadRenditions(path string) ([]RenditionSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read renditions file: %w", err)
	}
	return ParseRenditions(data)
}

// ParseRenditions decodes a YAML rendition table.
func ParseRenditions(data []byte) ([]RenditionSpec, error) {
	var file renditionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse renditions file: %w", err)
	}
	return file.Renditions, nil
}

// ValidateRenditions checks the table for problems that must stop the process
// at start: an empty set, duplicate or unsafe names, names whose files would
// replace the master playlist, out of range values.
func ValidateRenditions(specs []RenditionSpec) error {
	if len(specs) == 0 {
		return errors.New("rendition table is empty")
	}

	var errs []string
	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		if !renditionNamePattern.MatchString(s.Name) {
			errs = append(errs, fmt.Sprintf("rendition %d: invalid name %q", i, s.Name))
		}
		if (&models.Rendition{Name: s.Name}).ShadowsMaster() {
			errs = append(errs, fmt.Sprintf("rendition %d: name %q is reserved for the master playlist", i, s.Name))
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Sprintf("rendition %d: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.QualityParam < 0 || s.QualityParam > MaxQualityParam {
			errs = append(errs, fmt.Sprintf("rendition %q: quality must be within 0..%d", s.Name, MaxQualityParam))
		}
		if s.TargetBitrate <= 0 {
			errs = append(errs, fmt.Sprintf("rendition %q: bitrate must be positive", s.Name))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
