// Package memory implements conversation memory on top of the stores: a
// recency window, a rolling summary, and semantic recall over embedded
// messages, combined into the context block handed to the response loop.
package memory

// Defaults for Tuning.
const (
	DefaultRecencyWindow          = 6
	DefaultConsolidationThreshold = 6
	DefaultSemanticTopK           = 5
	DefaultSummaryWords           = 200
)

// Tuning holds the knobs that may change while the process runs.
type Tuning struct {
	RecencyWindow          int `yaml:"recency_window" json:"recency_window"`
	ConsolidationThreshold int `yaml:"consolidation_threshold" json:"consolidation_threshold"`
	SemanticTopK           int `yaml:"semantic_top_k" json:"semantic_top_k"`
}

// DefaultTuning returns the stock tuning.
func DefaultTuning() Tuning {
	return Tuning{
		RecencyWindow:          DefaultRecencyWindow,
		ConsolidationThreshold: DefaultConsolidationThreshold,
		SemanticTopK:           DefaultSemanticTopK,
	}
}

// WithDefaults fills zero or negative fields from DefaultTuning.
func (t Tuning) WithDefaults() Tuning {
	d := DefaultTuning()
	if t.RecencyWindow <= 0 {
		t.RecencyWindow = d.RecencyWindow
	}
	if t.ConsolidationThreshold <= 0 {
		t.ConsolidationThreshold = d.ConsolidationThreshold
	}
	if t.SemanticTopK < 0 {
		t.SemanticTopK = d.SemanticTopK
	}
	return t
}
