package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/usecase"
)

// pipelineFile mirrors usecase.PipelineConfig for YAML. It is pre-filled
// with the current values, so a file only needs the keys it changes.
type pipelineFile struct {
	Levels    domain.LevelWeights `yaml:"levels"`
	Retrieval struct {
		DenseWeight         float64 `yaml:"dense_weight"`
		SparseWeight        float64 `yaml:"sparse_weight"`
		DecomposedTopN      int     `yaml:"decomposed_top_n"`
		SingleTopN          int     `yaml:"single_top_n"`
		StrictSectionFilter bool    `yaml:"strict_section_filter"`
		MaxConcurrency      int     `yaml:"max_concurrency"`
		Rewrite             struct {
			Enabled             bool    `yaml:"enabled"`
			Synonyms            bool    `yaml:"synonyms"`
			Reformulations      int     `yaml:"reformulations"`
			HyDE                bool    `yaml:"hyde"`
			VariantTopN         int     `yaml:"variant_top_n"`
			RRFK                int     `yaml:"rrf_k"`
			SynonymWeight       float64 `yaml:"synonym_weight"`
			ReformulationWeight float64 `yaml:"reformulation_weight"`
			HyDEWeight          float64 `yaml:"hyde_weight"`
		} `yaml:"rewrite"`
	} `yaml:"retrieval"`
	Medical struct {
		Quality     float64 `yaml:"quality"`
		Statistical float64 `yaml:"statistical"`
		Section     float64 `yaml:"section"`
		Semantic    float64 `yaml:"semantic"`
	} `yaml:"medical"`
	CrossEncoder struct {
		TopK           int           `yaml:"top_k"`
		MaxConcurrency int           `yaml:"max_concurrency"`
		CallTimeout    time.Duration `yaml:"call_timeout"`
		MaxPassageLen  int           `yaml:"max_passage_len"`
	} `yaml:"cross_encoder"`
	Hybrid struct {
		Stage1TopK int `yaml:"stage1_top_k"`
		Stage2TopK int `yaml:"stage2_top_k"`
		Weights    struct {
			CrossEncoder float64 `yaml:"cross_encoder"`
			PICO         float64 `yaml:"pico"`
			Statistical  float64 `yaml:"statistical"`
			LevelWeight  float64 `yaml:"level_weight"`
		} `yaml:"weights"`
	} `yaml:"hybrid"`
	Assembly struct {
		BudgetChars      int     `yaml:"budget_chars"`
		SupportingFactor float64 `yaml:"supporting_factor"`
		IncludeAncestors bool    `yaml:"include_ancestors"`
		AncestorDepth    int     `yaml:"ancestor_depth"`
		CharsPerToken    int     `yaml:"chars_per_token"`
	} `yaml:"assembly"`
	RerankMode string `yaml:"rerank_mode"`
	FinalTopK  int    `yaml:"final_top_k"`
}

// Pipeline builds the validated pipeline configuration: defaults, then
// environment overrides, then the optional YAML file.
func (c Config) Pipeline() (usecase.PipelineConfig, error) {
	p := usecase.DefaultPipelineConfig()
	if c.RerankMode != "" {
		p.RerankMode = usecase.RerankMode(c.RerankMode)
	}
	if c.FinalTopK > 0 {
		p.FinalTopK = c.FinalTopK
	}
	if c.ContextBudgetChars > 0 {
		p.Assembly.BudgetChars = c.ContextBudgetChars
	}
	if c.DecomposedTopN > 0 {
		p.Retrieval.DecomposedTopN = c.DecomposedTopN
	}
	if c.SingleTopN > 0 {
		p.Retrieval.SingleTopN = c.SingleTopN
	}
	p.Retrieval.StrictSectionFilter = c.StrictSectionFilter
	p.Retrieval.Rewrite.Enabled = c.QueryRewriteEnabled
	p.Retrieval.Rewrite.Synonyms = c.QueryRewriteSynonyms
	p.Retrieval.Rewrite.Reformulations = c.QueryRewriteReformulations
	p.Retrieval.Rewrite.HyDE = c.QueryRewriteHyDE
	if c.QueryRewriteRRFK > 0 {
		p.Retrieval.Rewrite.RRFK = c.QueryRewriteRRFK
	}
	p.Retrieval.Rewrite.VariantTopN = c.QueryRewriteVariantTopN
	if c.CrossEncoderTopK > 0 {
		p.CrossEncoder.TopK = c.CrossEncoderTopK
	}
	if c.CrossEncoderTimeout > 0 {
		p.CrossEncoder.CallTimeout = c.CrossEncoderTimeout
	}

	if strings.TrimSpace(c.PipelineConfigPath) != "" {
		data, err := os.ReadFile(c.PipelineConfigPath)
		if err != nil {
			return usecase.PipelineConfig{}, fmt.Errorf("read pipeline config %s: %w", c.PipelineConfigPath, err)
		}
		p, err = overlayPipeline(p, expandEnvVars(data))
		if err != nil {
			return usecase.PipelineConfig{}, err
		}
	}

	if err := p.Validate(); err != nil {
		return usecase.PipelineConfig{}, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return p, nil
}

func overlayPipeline(p usecase.PipelineConfig, data []byte) (usecase.PipelineConfig, error) {
	var f pipelineFile
	f.Levels = p.Levels
	f.Retrieval.DenseWeight = p.Retrieval.DenseWeight
	f.Retrieval.SparseWeight = p.Retrieval.SparseWeight
	f.Retrieval.DecomposedTopN = p.Retrieval.DecomposedTopN
	f.Retrieval.SingleTopN = p.Retrieval.SingleTopN
	f.Retrieval.StrictSectionFilter = p.Retrieval.StrictSectionFilter
	f.Retrieval.MaxConcurrency = p.Retrieval.MaxConcurrency
	rw := p.Retrieval.Rewrite
	f.Retrieval.Rewrite.Enabled = rw.Enabled
	f.Retrieval.Rewrite.Synonyms = rw.Synonyms
	f.Retrieval.Rewrite.Reformulations = rw.Reformulations
	f.Retrieval.Rewrite.HyDE = rw.HyDE
	f.Retrieval.Rewrite.VariantTopN = rw.VariantTopN
	f.Retrieval.Rewrite.RRFK = rw.RRFK
	f.Retrieval.Rewrite.SynonymWeight = rw.SynonymWeight
	f.Retrieval.Rewrite.ReformulationWeight = rw.ReformulationWeight
	f.Retrieval.Rewrite.HyDEWeight = rw.HyDEWeight
	f.Medical.Quality = p.Medical.Quality
	f.Medical.Statistical = p.Medical.Statistical
	f.Medical.Section = p.Medical.Section
	f.Medical.Semantic = p.Medical.Semantic
	f.CrossEncoder.TopK = p.CrossEncoder.TopK
	f.CrossEncoder.MaxConcurrency = p.CrossEncoder.MaxConcurrency
	f.CrossEncoder.CallTimeout = p.CrossEncoder.CallTimeout
	f.CrossEncoder.MaxPassageLen = p.CrossEncoder.MaxPassageLen
	f.Hybrid.Stage1TopK = p.Hybrid.Stage1TopK
	f.Hybrid.Stage2TopK = p.Hybrid.Stage2TopK
	f.Hybrid.Weights.CrossEncoder = p.Hybrid.Weights.CrossEncoder
	f.Hybrid.Weights.PICO = p.Hybrid.Weights.PICO
	f.Hybrid.Weights.Statistical = p.Hybrid.Weights.Statistical
	f.Hybrid.Weights.LevelWeight = p.Hybrid.Weights.LevelWeight
	f.Assembly.BudgetChars = p.Assembly.BudgetChars
	f.Assembly.SupportingFactor = p.Assembly.SupportingFactor
	f.Assembly.IncludeAncestors = p.Assembly.IncludeAncestors
	f.Assembly.AncestorDepth = p.Assembly.AncestorDepth
	f.Assembly.CharsPerToken = p.Assembly.CharsPerToken
	f.RerankMode = string(p.RerankMode)
	f.FinalTopK = p.FinalTopK

	if err := yaml.Unmarshal(data, &f); err != nil {
		return p, fmt.Errorf("parse pipeline config: %w", err)
	}

	p.Levels = f.Levels
	p.Retrieval = usecase.RetrievalConfig{
		DenseWeight:         f.Retrieval.DenseWeight,
		SparseWeight:        f.Retrieval.SparseWeight,
		DecomposedTopN:      f.Retrieval.DecomposedTopN,
		SingleTopN:          f.Retrieval.SingleTopN,
		StrictSectionFilter: f.Retrieval.StrictSectionFilter,
		MaxConcurrency:      f.Retrieval.MaxConcurrency,
		Rewrite: usecase.RewriteConfig{
			Enabled:             f.Retrieval.Rewrite.Enabled,
			Synonyms:            f.Retrieval.Rewrite.Synonyms,
			Reformulations:      f.Retrieval.Rewrite.Reformulations,
			HyDE:                f.Retrieval.Rewrite.HyDE,
			VariantTopN:         f.Retrieval.Rewrite.VariantTopN,
			RRFK:                f.Retrieval.Rewrite.RRFK,
			SynonymWeight:       f.Retrieval.Rewrite.SynonymWeight,
			ReformulationWeight: f.Retrieval.Rewrite.ReformulationWeight,
			HyDEWeight:          f.Retrieval.Rewrite.HyDEWeight,
		},
	}
	p.Medical = usecase.MedicalWeights{
		Quality:     f.Medical.Quality,
		Statistical: f.Medical.Statistical,
		Section:     f.Medical.Section,
		Semantic:    f.Medical.Semantic,
	}
	p.CrossEncoder = usecase.CrossEncoderConfig{
		TopK:           f.CrossEncoder.TopK,
		MaxConcurrency: f.CrossEncoder.MaxConcurrency,
		CallTimeout:    f.CrossEncoder.CallTimeout,
		MaxPassageLen:  f.CrossEncoder.MaxPassageLen,
	}
	p.Hybrid = usecase.HybridConfig{
		Stage1TopK: f.Hybrid.Stage1TopK,
		Stage2TopK: f.Hybrid.Stage2TopK,
		Weights: usecase.HybridWeights{
			CrossEncoder: f.Hybrid.Weights.CrossEncoder,
			PICO:         f.Hybrid.Weights.PICO,
			Statistical:  f.Hybrid.Weights.Statistical,
			LevelWeight:  f.Hybrid.Weights.LevelWeight,
		},
	}
	p.Assembly = usecase.AssemblyConfig{
		BudgetChars:      f.Assembly.BudgetChars,
		SupportingFactor: f.Assembly.SupportingFactor,
		IncludeAncestors: f.Assembly.IncludeAncestors,
		AncestorDepth:    f.Assembly.AncestorDepth,
		CharsPerToken:    f.Assembly.CharsPerToken,
	}
	p.RerankMode = usecase.RerankMode(strings.ToLower(f.RerankMode))
	p.FinalTopK = f.FinalTopK
	return p, nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
