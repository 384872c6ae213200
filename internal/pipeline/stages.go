package pipeline

import (
	"context"

	"github.com/correlator-io/songplays/internal/warehouse"
)

// ProvisionStages returns the provisioning phase: staging relations, then the
// dimensional model.
func ProvisionStages(p *warehouse.Provisioner) []Stage {
	return []Stage{
		{Name: "provision staging", Phase: PhaseProvision, Run: p.ProvisionStaging},
		{Name: "provision dimensional", Phase: PhaseProvision, Run: p.ProvisionDimensional},
	}
}

// VerifyStage checks that every relation exists with its declared shape.
func VerifyStage(p *warehouse.Provisioner) Stage {
	return Stage{Name: "verify schema", Phase: PhaseVerify, Run: p.Verify}
}

// LoadStages returns one load stage per source, in the given order.
func LoadStages(l warehouse.Loader, sources ...warehouse.Source) []Stage {
	stages := make([]Stage, 0, len(sources))

	for _, src := range sources {
		stages = append(stages, Stage{
			Name:     "load " + src.Relation,
			Phase:    PhaseLoad,
			Relation: src.Relation,
			Run: func(ctx context.Context) (int64, error) {
				return l.Load(ctx, src)
			},
		})
	}

	return stages
}

// CleanseStages returns one stage per cleanse rule.
func CleanseStages(c *warehouse.Cleanser) []Stage {
	rules := c.Rules()
	stages := make([]Stage, 0, len(rules))

	for _, rule := range rules {
		stages = append(stages, Stage{
			Name:     "cleanse " + rule.Name(),
			Phase:    PhaseCleanse,
			Relation: rule.Statement().Relation,
			Run: func(ctx context.Context) (int64, error) {
				return c.Apply(ctx, rule)
			},
		})
	}

	return stages
}

// TransformStages returns one stage per derivation, in dependency order.
func TransformStages(t *warehouse.Transformer) []Stage {
	derivations := t.Derivations()
	stages := make([]Stage, 0, len(derivations))

	for _, d := range derivations {
		stages = append(stages, Stage{
			Name:     d.Name,
			Phase:    PhaseTransform,
			Relation: d.Relation,
			Run:      d.Run,
		})
	}

	return stages
}

// ELTStages returns load, cleanse and transform in that order.
func ELTStages(
	l warehouse.Loader,
	sources []warehouse.Source,
	c *warehouse.Cleanser,
	t *warehouse.Transformer,
) []Stage {
	stages := LoadStages(l, sources...)
	stages = append(stages, CleanseStages(c)...)

	return append(stages, TransformStages(t)...)
}
