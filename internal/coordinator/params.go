package coordinator

import "github.com/hpungsan/landscape/internal/landscape"

// ParamsSource produces basin-hopping parameters. It runs under the coordinator
// lock and must not call back into the coordinator.
type ParamsSource interface {
	BasinHoppingParams(db *landscape.Database) (BasinHoppingParams, bool)
}

// GlobalMinimumSeed starts every search from the current global minimum.
// With an empty database the worker starts from its own random structure.
type GlobalMinimumSeed struct {
	Steps       int
	Temperature float64
	StepSize    float64
}

// BasinHoppingParams implements ParamsSource.
func (s GlobalMinimumSeed) BasinHoppingParams(db *landscape.Database) (BasinHoppingParams, bool) {
	p := BasinHoppingParams{
		Steps:       s.Steps,
		Temperature: s.Temperature,
		StepSize:    s.StepSize,
	}
	if gmin, ok := db.GlobalMinimum(); ok {
		p.SeedMinimumID = gmin.ID
		p.Seed = gmin.Coords
	}
	return p, true
}
