package domain

type APIErrorBody struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type DatasetSummary struct {
	Columns   []string                 `json:"columns"`
	Shape     [2]int                   `json:"shape"`
	Dtypes    map[string]string        `json:"dtypes"`
	Sample    []map[string]interface{} `json:"sample"`
	TotalRows int                      `json:"total_rows"`
}

type DatasetInfo struct {
	Filename    string         `json:"filename"`
	LocalPath   string         `json:"local_path,omitempty"`
	SandboxPath string         `json:"sandbox_path"`
	Summary     DatasetSummary `json:"columns_info"`
	UploadedAt  string         `json:"uploaded_at"`
}

type DocumentInfo struct {
	Name      string `json:"name"`
	LocalPath string `json:"local_path,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Chunks    int    `json:"chunks"`
}

type PricingTier struct {
	Name     string   `json:"name"`
	Price    string   `json:"price"`
	Period   string   `json:"period,omitempty"`
	Features []string `json:"features,omitempty"`
}

type CompanyProfile struct {
	Name         string        `json:"name"`
	Industry     string        `json:"industry"`
	Description  string        `json:"description,omitempty"`
	Website      string        `json:"website,omitempty"`
	TargetMarket string        `json:"target_market,omitempty"`
	Features     []string      `json:"features"`
	Pricing      []PricingTier `json:"pricing"`
}

type PageContent struct {
	URL     string `json:"url"`
	Kind    string `json:"kind"`
	Text    string `json:"text"`
	Fetched string `json:"fetched_at,omitempty"`
}

type Competitor struct {
	Name        string        `json:"name"`
	URL         string        `json:"url"`
	Description string        `json:"description,omitempty"`
	Pages       []PageContent `json:"pages,omitempty"`
	Features    []string      `json:"features,omitempty"`
	Pricing     []PricingTier `json:"pricing,omitempty"`
	Scraped     bool          `json:"scraped"`
}

type CompetitorComparison struct {
	Competitor string   `json:"competitor"`
	Shared     []string `json:"shared"`
	Advantages []string `json:"advantages"`
	Gaps       []string `json:"gaps"`
}

type Comparison struct {
	Company     string                 `json:"company"`
	Competitors []CompetitorComparison `json:"competitors"`
	Advantages  []string               `json:"advantages,omitempty"`
	Gaps        []string               `json:"gaps,omitempty"`
	Insights    string                 `json:"insights,omitempty"`
	GeneratedAt string                 `json:"generated_at"`
}

type ChartRef struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type ChatResponse struct {
	Response        string     `json:"response"`
	QueryType       string     `json:"query_type,omitempty"`
	Code            string     `json:"code,omitempty"`
	ExecutionOutput []string   `json:"execution_output,omitempty"`
	Charts          []ChartRef `json:"charts,omitempty"`
	HasCode         bool       `json:"has_code"`
	HasResearch     bool       `json:"has_research"`
	Attempts        int        `json:"attempts,omitempty"`
}

type ResearchRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

type ResearchResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

type UploadResponse struct {
	SessionID string         `json:"session_id"`
	Filename  string         `json:"filename"`
	Summary   DatasetSummary `json:"columns_info"`
}

type DocumentUploadResponse struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Chunks    int    `json:"chunks"`
}

type SessionCloseRequest struct {
	SessionID string `json:"session_id"`
}

type HealthInfo struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	Sandboxes int    `json:"sandboxes"`
}
