// Package dialog manages dialog (assistant) configuration. A dialog binds a
// model, generation settings, knowledge bases and a prompt template; it is
// immutable within a single turn and served read-through from the cache.
package dialog

import "time"

// PromptConfig is the dialog's prompt template and behavior flags.
type PromptConfig struct {
	System          string   `json:"system"`
	Prologue        string   `json:"prologue"`
	EmptyResponse   string   `json:"empty_response"`
	Quote           bool     `json:"quote"`
	Keyword         bool     `json:"keyword"`
	Reasoning       bool     `json:"reasoning"`
	CrossLanguages  []string `json:"cross_languages,omitempty"`
	UseKG           bool     `json:"use_kg"`
	TOCEnhance      bool     `json:"toc_enhance"`
	RefineMultiturn bool     `json:"refine_multiturn"`
	TavilyAPIKey    string   `json:"tavily_api_key,omitempty"`

	// Parameters are the {placeholder} slots substituted into System.
	// Optional slots default to "" when the caller provides no value.
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Parameter is one substitutable slot in the system prompt.
type Parameter struct {
	Key      string `json:"key"`
	Optional bool   `json:"optional"`
}

// LLMSetting carries per-dialog generation overrides.
type LLMSetting struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	MaxTokens        int     `json:"max_tokens"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
}

// MetadataFilter restricts retrieval to documents matching field conditions.
type MetadataFilter struct {
	Method     string            `json:"method"` // "auto", "semi" or "manual"
	Conditions []FilterCondition `json:"conditions,omitempty"`
}

// FilterCondition is one field comparison in a metadata filter.
type FilterCondition struct {
	Name       string `json:"name"`
	Comparison string `json:"comparison"`
	Value      string `json:"value"`
}

// Dialog is one configured assistant.
type Dialog struct {
	ID                     string          `json:"id"`
	TenantID               string          `json:"tenant_id"`
	Name                   string          `json:"name"`
	Description            string          `json:"description"`
	LLMID                  string          `json:"llm_id"`
	LLMSetting             LLMSetting      `json:"llm_setting"`
	PromptConfig           PromptConfig    `json:"prompt_config"`
	KBIDs                  []string        `json:"kb_ids"`
	SimilarityThreshold    float32         `json:"similarity_threshold"`
	VectorSimilarityWeight float32         `json:"vector_similarity_weight"`
	TopN                   int             `json:"top_n"`
	TopK                   int             `json:"top_k"`
	RerankID               string          `json:"rerank_id"`
	MetaDataFilter         *MetadataFilter `json:"meta_data_filter,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// GenDefaults returns the dialog's generation settings with zero values
// replaced by serviceable defaults.
func (d *Dialog) GenDefaults() LLMSetting {
	s := d.LLMSetting
	if s.Temperature == 0 {
		s.Temperature = 0.1
	}
	if s.TopP == 0 {
		s.TopP = 0.3
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = 4096
	}
	return s
}

// FieldMap describes the tabular columns available to the structured query
// fallback, keyed by column name with a human description as value.
type FieldMap map[string]string

// DocMetadata indexes the documents of a KB set by metadata field and
// value: field name -> observed value -> ids of documents carrying it.
type DocMetadata map[string]map[string][]string
