package extraction

import (
	"context"
)

// Pipeline composes the two stages. Stages never call each other; the AI
// stage runs only when the deterministic stage hands the candidate on.
type Pipeline struct {
	Regex *RegexStage
	AI    *AIStage
}

func NewPipeline(regex *RegexStage, aiStage *AIStage) *Pipeline {
	return &Pipeline{Regex: regex, AI: aiStage}
}

func (p *Pipeline) Process(ctx context.Context, in Input) (Result, error) {
	res := p.Regex.Run(in)
	if res.Kind != KindNeedsNextStage {
		return res, nil
	}
	if p.AI == nil {
		return res, nil
	}
	return p.AI.Run(ctx, in)
}
