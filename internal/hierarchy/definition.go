package hierarchy

import (
	_ "embed"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

//go:embed default.yaml
var defaultDefinition []byte

// Definition describes the shape of an agent tree. Levels 0 and 1 are
// implied; each domain expands into levels 2 through 9.
type Definition struct {
	Name    string      `yaml:"name"`
	Domains []DomainDef `yaml:"domains"`
}

// DomainDef is one L2 branch, bound to a team queue.
type DomainDef struct {
	Name       string                 `yaml:"name"`
	Team       models.Team            `yaml:"team"`
	Scope      string                 `yaml:"scope"`
	Operations []models.OperationType `yaml:"operations"`
	Areas      []AreaDef              `yaml:"areas"`
}

// AreaDef is one L3 branch. Each capability gets its own
// worker/reviewer/checker chain.
type AreaDef struct {
	Name         string              `yaml:"name"`
	Scope        string              `yaml:"scope"`
	Capabilities []models.Capability `yaml:"capabilities"`
}

// DefaultDefinition returns the embedded tree definition.
func DefaultDefinition() (*Definition, error) {
	return ParseDefinition(defaultDefinition)
}

// LoadDefinition reads a YAML definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tree definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes and validates a YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse tree definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks names, teams, operations and capabilities.
func (d *Definition) Validate() error {
	var errs errors.ValidationErrors
	if len(d.Domains) == 0 {
		errs = append(errs, errors.NewValidationError("domains", "at least one domain is required"))
	}

	domainNames := make(map[string]bool)
	ops := make(map[models.OperationType]string)
	for i, dom := range d.Domains {
		field := fmt.Sprintf("domains[%d]", i)
		if dom.Name == "" {
			errs = append(errs, errors.NewValidationError(field+".name", "required"))
		} else if domainNames[dom.Name] {
			errs = append(errs, errors.NewValidationError(field+".name", fmt.Sprintf("duplicate domain %q", dom.Name)))
		}
		domainNames[dom.Name] = true

		if !dom.Team.Valid() {
			errs = append(errs, errors.NewValidationError(field+".team", fmt.Sprintf("unknown team %q", dom.Team)))
		}
		for _, op := range dom.Operations {
			if !op.Valid() {
				errs = append(errs, errors.NewValidationError(field+".operations", fmt.Sprintf("unknown operation %q", op)))
				continue
			}
			if other, ok := ops[op]; ok {
				errs = append(errs, errors.NewValidationError(field+".operations", fmt.Sprintf("operation %s already routed to %s", op, other)))
			}
			ops[op] = dom.Name
		}

		if len(dom.Areas) == 0 {
			errs = append(errs, errors.NewValidationError(field+".areas", "at least one area is required"))
		}
		areaNames := make(map[string]bool)
		for j, area := range dom.Areas {
			afield := fmt.Sprintf("%s.areas[%d]", field, j)
			if area.Name == "" {
				errs = append(errs, errors.NewValidationError(afield+".name", "required"))
			} else if areaNames[area.Name] {
				errs = append(errs, errors.NewValidationError(afield+".name", fmt.Sprintf("duplicate area %q", area.Name)))
			}
			areaNames[area.Name] = true

			if len(area.Capabilities) == 0 {
				errs = append(errs, errors.NewValidationError(afield+".capabilities", "at least one capability is required"))
			}
			seen := make(map[models.Capability]bool)
			for _, c := range area.Capabilities {
				if !c.Valid() {
					errs = append(errs, errors.NewValidationError(afield+".capabilities", fmt.Sprintf("unknown capability %q", c)))
				} else if seen[c] {
					errs = append(errs, errors.NewValidationError(afield+".capabilities", fmt.Sprintf("duplicate capability %q", c)))
				}
				seen[c] = true
			}
		}
	}
	return errs.OrNil()
}

// Marshal encodes the definition as YAML.
func (d *Definition) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
