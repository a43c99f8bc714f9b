package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/internal/hierarchy"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Hop is one agent step of a pipeline: the tree level that performs it,
// the capability it needs, and what it hands on.
type Hop struct {
	Role        models.Level      `json:"role" yaml:"role"`
	Capability  models.Capability `json:"capability" yaml:"capability"`
	Deliverable string            `json:"deliverable" yaml:"deliverable"`
}

// Pipeline is the static plan for one operation type.
type Pipeline struct {
	Team   models.Team `json:"team" yaml:"team"`
	Domain string      `json:"domain" yaml:"domain"`
	Hops   []Hop       `json:"hops" yaml:"hops"`
}

// Table maps every operation type to its pipeline. It is plain data,
// resolved and validated once at construction.
type Table map[models.OperationType]Pipeline

// DefaultTable returns the built-in dispatch table, matching the
// domains of the default tree definition.
func DefaultTable() Table {
	return Table{
		models.OpCode: {Team: models.TeamCodingDirector, Domain: "coding", Hops: []Hop{
			{models.LevelPlanner, models.CapabilityReasoning, "implementation plan"},
			{models.LevelWorker, models.CapabilityCode, "patch"},
			{models.LevelReviewer, models.CapabilityCode, "code review"},
		}},
		models.OpBugfix: {Team: models.TeamCodingDirector, Domain: "coding", Hops: []Hop{
			{models.LevelSpecialist, models.CapabilityGeneral, "diagnosis"},
			{models.LevelWorker, models.CapabilityCode, "fix"},
			{models.LevelChecker, models.CapabilityCode, "regression check"},
		}},
		models.OpRefactor: {Team: models.TeamCodingDirector, Domain: "coding", Hops: []Hop{
			{models.LevelPlanner, models.CapabilityReasoning, "refactor plan"},
			{models.LevelWorker, models.CapabilityCode, "refactor"},
			{models.LevelReviewer, models.CapabilityCode, "code review"},
		}},
		models.OpTest: {Team: models.TeamVerification, Domain: "verification", Hops: []Hop{
			{models.LevelWorker, models.CapabilityCode, "tests"},
			{models.LevelChecker, models.CapabilityCode, "test run"},
		}},
		models.OpReview: {Team: models.TeamVerification, Domain: "verification", Hops: []Hop{
			{models.LevelReviewer, models.CapabilityReasoning, "review findings"},
			{models.LevelChecker, models.CapabilityCode, "findings check"},
		}},
		models.OpPlan: {Team: models.TeamPlanning, Domain: "planning", Hops: []Hop{
			{models.LevelPlanner, models.CapabilityReasoning, "plan"},
			{models.LevelReviewer, models.CapabilityReasoning, "plan review"},
		}},
		models.OpResearch: {Team: models.TeamPlanning, Domain: "planning", Hops: []Hop{
			{models.LevelWorker, models.CapabilityReasoning, "research notes"},
			{models.LevelReviewer, models.CapabilityReasoning, "summary"},
		}},
		models.OpDocs: {Team: models.TeamPlanning, Domain: "planning", Hops: []Hop{
			{models.LevelWorker, models.CapabilityGeneral, "documentation"},
			{models.LevelReviewer, models.CapabilityFast, "docs review"},
		}},
		models.OpGeneral: {Team: models.TeamOrchestrator, Domain: "triage", Hops: []Hop{
			{models.LevelWorker, models.CapabilityGeneral, "response"},
		}},
	}
}

// Validate checks that every operation type has a well-formed pipeline.
func (t Table) Validate() error {
	var errs errors.ValidationErrors
	for _, op := range models.AllOperationTypes() {
		p, ok := t[op]
		if !ok {
			errs = append(errs, errors.NewValidationError("dispatch."+string(op), "no pipeline"))
			continue
		}
		field := "dispatch." + string(op)
		if !p.Team.Valid() {
			errs = append(errs, errors.NewValidationError(field+".team", fmt.Sprintf("unknown team %q", p.Team)))
		}
		if len(p.Hops) == 0 {
			errs = append(errs, errors.NewValidationError(field+".hops", "at least one hop is required"))
		}
		for i, h := range p.Hops {
			hf := fmt.Sprintf("%s.hops[%d]", field, i)
			if !h.Role.Valid() || h.Role < models.LevelDomainDirector {
				errs = append(errs, errors.NewValidationError(hf+".role", fmt.Sprintf("level %d cannot run a hop", h.Role)))
			}
			if !h.Capability.Valid() {
				errs = append(errs, errors.NewValidationError(hf+".capability", fmt.Sprintf("unknown capability %q", h.Capability)))
			}
			if strings.TrimSpace(h.Deliverable) == "" {
				errs = append(errs, errors.NewValidationError(hf+".deliverable", "is required"))
			}
		}
	}
	for op := range t {
		if !op.Valid() {
			errs = append(errs, errors.NewValidationError("dispatch", fmt.Sprintf("unknown operation type %q", op)))
		}
	}
	return errs.OrNil()
}

// Bind returns a copy of the table whose team and domain follow the tree
// definition for every operation a domain claims, then validates it.
func (t Table) Bind(def *hierarchy.Definition) (Table, error) {
	out := make(Table, len(t))
	for op, p := range t {
		p.Hops = append([]Hop(nil), p.Hops...)
		out[op] = p
	}
	if def != nil {
		for _, dom := range def.Domains {
			for _, op := range dom.Operations {
				p, ok := out[op]
				if !ok {
					continue
				}
				p.Team = dom.Team
				p.Domain = dom.Name
				out[op] = p
			}
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup returns the pipeline for op.
func (t Table) Lookup(op models.OperationType) (Pipeline, bool) {
	p, ok := t[op]
	return p, ok
}

// WorkerHop returns the hop an external runner performs: the worker hop
// if the pipeline has one, otherwise the last hop.
func (p Pipeline) WorkerHop() Hop {
	for _, h := range p.Hops {
		if h.Role == models.LevelWorker {
			return h
		}
	}
	return p.Hops[len(p.Hops)-1]
}
