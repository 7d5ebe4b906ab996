package usecase

import (
	"fmt"
	"math"
	"time"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

const weightTolerance = 1e-6

type RerankMode string

const (
	RerankModeMedical      RerankMode = "medical"
	RerankModeCrossEncoder RerankMode = "cross_encoder"
	RerankModeHybrid       RerankMode = "hybrid"
)

type RetrievalConfig struct {
	DenseWeight    float64
	SparseWeight   float64
	DecomposedTopN int
	SingleTopN     int
	// StrictSectionFilter turns a sub-query section hint into an index filter
	// instead of a reranking signal.
	StrictSectionFilter bool
	MaxConcurrency      int
	Rewrite             RewriteConfig
}

func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		DenseWeight:    0.7,
		SparseWeight:   0.3,
		DecomposedTopN: 5,
		SingleTopN:     50,
		MaxConcurrency: 4,
		Rewrite:        DefaultRewriteConfig(),
	}
}

func (c RetrievalConfig) Validate() error {
	if err := checkWeightSum("retrieval weights", c.DenseWeight, c.SparseWeight); err != nil {
		return err
	}
	if c.DecomposedTopN <= 0 || c.SingleTopN <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "retrieval config", fmt.Errorf("top n must be positive"))
	}
	return c.Rewrite.Validate()
}

// RewriteConfig controls query variants inside each retrieval branch. With
// Enabled false every branch searches the sub-query text only.
type RewriteConfig struct {
	Enabled        bool
	Synonyms       bool
	Reformulations int
	HyDE           bool
	// VariantTopN is the search depth per variant; 0 uses the branch top n.
	VariantTopN int
	RRFK        int

	SynonymWeight       float64
	ReformulationWeight float64
	HyDEWeight          float64
}

func DefaultRewriteConfig() RewriteConfig {
	return RewriteConfig{
		Synonyms:            true,
		RRFK:                60,
		SynonymWeight:       0.8,
		ReformulationWeight: 0.9,
		HyDEWeight:          0.9,
	}
}

func (c RewriteConfig) Validate() error {
	if c.RRFK <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "rewrite config", fmt.Errorf("rrf k must be positive, got %d", c.RRFK))
	}
	if c.Reformulations < 0 || c.Reformulations > maxReformulations {
		return domain.WrapError(domain.ErrInvalidInput, "rewrite config", fmt.Errorf("reformulations must be in [0,%d], got %d", maxReformulations, c.Reformulations))
	}
	if c.VariantTopN < 0 {
		return domain.WrapError(domain.ErrInvalidInput, "rewrite config", fmt.Errorf("variant top n must not be negative, got %d", c.VariantTopN))
	}
	weights := []struct {
		name  string
		value float64
	}{
		{"synonym", c.SynonymWeight},
		{"reformulation", c.ReformulationWeight},
		{"hyde", c.HyDEWeight},
	}
	for _, w := range weights {
		if !(w.value > 0 && w.value <= 1) {
			return domain.WrapError(domain.ErrWeightConfig, "rewrite config", fmt.Errorf("%s weight must be in (0,1], got %v", w.name, w.value))
		}
	}
	return nil
}

type MedicalWeights struct {
	Quality     float64
	Statistical float64
	Section     float64
	Semantic    float64
}

func DefaultMedicalWeights() MedicalWeights {
	return MedicalWeights{Quality: 0.3, Statistical: 0.2, Section: 0.2, Semantic: 0.3}
}

func (w MedicalWeights) Validate() error {
	return checkWeightSum("medical rerank weights", w.Quality, w.Statistical, w.Section, w.Semantic)
}

type HybridWeights struct {
	CrossEncoder float64
	PICO         float64
	Statistical  float64
	LevelWeight  float64
}

func DefaultHybridWeights() HybridWeights {
	return HybridWeights{CrossEncoder: 0.4, PICO: 0.3, Statistical: 0.2, LevelWeight: 0.1}
}

func (w HybridWeights) Validate() error {
	return checkWeightSum("hybrid rerank weights", w.CrossEncoder, w.PICO, w.Statistical, w.LevelWeight)
}

type CrossEncoderConfig struct {
	TopK           int
	MaxConcurrency int
	CallTimeout    time.Duration
	MaxPassageLen  int
}

func DefaultCrossEncoderConfig() CrossEncoderConfig {
	return CrossEncoderConfig{
		TopK:           20,
		MaxConcurrency: 4,
		CallTimeout:    10 * time.Second,
		MaxPassageLen:  2000,
	}
}

func (c CrossEncoderConfig) normalize() CrossEncoderConfig {
	def := DefaultCrossEncoderConfig()
	if c.TopK <= 0 {
		c.TopK = def.TopK
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.MaxPassageLen <= 0 {
		c.MaxPassageLen = def.MaxPassageLen
	}
	return c
}

type HybridConfig struct {
	Stage1TopK int
	Stage2TopK int
	Weights    HybridWeights
}

func DefaultHybridConfig() HybridConfig {
	return HybridConfig{Stage1TopK: 20, Stage2TopK: 10, Weights: DefaultHybridWeights()}
}

func (c HybridConfig) Validate() error {
	if c.Stage1TopK <= 0 || c.Stage2TopK <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "hybrid config", fmt.Errorf("stage top k must be positive"))
	}
	return c.Weights.Validate()
}

type AssemblyConfig struct {
	BudgetChars      int
	SupportingFactor float64
	IncludeAncestors bool
	// AncestorDepth limits how many parent levels are fetched per primary chunk.
	AncestorDepth int
	CharsPerToken int
}

func DefaultAssemblyConfig() AssemblyConfig {
	return AssemblyConfig{
		BudgetChars:      12000,
		SupportingFactor: 0.4,
		IncludeAncestors: true,
		AncestorDepth:    2,
		CharsPerToken:    4,
	}
}

func (c AssemblyConfig) Validate() error {
	if c.BudgetChars <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "assembly config", fmt.Errorf("budget must be positive"))
	}
	if c.SupportingFactor <= 0 || c.SupportingFactor > 1 {
		return domain.WrapError(domain.ErrWeightConfig, "assembly config", fmt.Errorf("supporting factor must be in (0,1], got %v", c.SupportingFactor))
	}
	return nil
}

type PipelineConfig struct {
	Levels       domain.LevelWeights
	Retrieval    RetrievalConfig
	Medical      MedicalWeights
	CrossEncoder CrossEncoderConfig
	Hybrid       HybridConfig
	Assembly     AssemblyConfig
	RerankMode   RerankMode
	FinalTopK    int
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Levels:       domain.DefaultLevelWeights(),
		Retrieval:    DefaultRetrievalConfig(),
		Medical:      DefaultMedicalWeights(),
		CrossEncoder: DefaultCrossEncoderConfig(),
		Hybrid:       DefaultHybridConfig(),
		Assembly:     DefaultAssemblyConfig(),
		RerankMode:   RerankModeHybrid,
		FinalTopK:    10,
	}
}

func (c PipelineConfig) Validate() error {
	if err := c.Levels.Validate(); err != nil {
		return err
	}
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}
	if err := c.Medical.Validate(); err != nil {
		return err
	}
	if err := c.Hybrid.Validate(); err != nil {
		return err
	}
	if err := c.Assembly.Validate(); err != nil {
		return err
	}
	switch c.RerankMode {
	case RerankModeMedical, RerankModeCrossEncoder, RerankModeHybrid:
	default:
		return domain.WrapError(domain.ErrInvalidInput, "pipeline config", fmt.Errorf("unknown rerank mode %q", c.RerankMode))
	}
	if c.FinalTopK <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "pipeline config", fmt.Errorf("final top k must be positive"))
	}
	return nil
}

func checkWeightSum(operation string, weights ...float64) error {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if !(math.Abs(sum-1.0) <= weightTolerance) {
		return domain.WrapError(domain.ErrWeightConfig, operation, fmt.Errorf("weights sum to %.9f, want 1.0", sum))
	}
	return nil
}
