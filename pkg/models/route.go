package models

// Provider identifies an upstream dialect family.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderGemini    Provider = "gemini"
	ProviderAzure     Provider = "azure"
)

// AuthMethod selects how credentials are carried to the upstream.
type AuthMethod string

const (
	AuthAPIKey AuthMethod = "api_key"
	AuthOAuth  AuthMethod = "oauth"
)

// Credentials is the client-pushed provider configuration (the claudeConfig
// field of start / update_credentials frames). It is the mobile-facing shape;
// RouteConfig is the registry-facing shape derived from it.
type Credentials struct {
	Provider        string            `json:"provider"`
	Model           string            `json:"model,omitempty"`
	BaseURL         string            `json:"baseUrl,omitempty"`
	APIKey          string            `json:"apiKey"`
	AuthMethod      string            `json:"authMethod,omitempty"`
	ExtraHeaders    map[string]string `json:"extraHeaders,omitempty"`
	AzureDeployment string            `json:"azureDeployment,omitempty"`
	AzureAPIVersion string            `json:"azureApiVersion,omitempty"`
	SystemPrompt    string            `json:"systemPrompt,omitempty"`
}

// ToRouteConfig converts client credentials into a registry entry.
// An absent auth method defaults to api_key.
func (c *Credentials) ToRouteConfig() RouteConfig {
	auth := AuthMethod(c.AuthMethod)
	if auth == "" {
		auth = AuthAPIKey
	}
	return RouteConfig{
		Provider:          Provider(c.Provider),
		BaseURL:           c.BaseURL,
		APIKey:            c.APIKey,
		Model:             c.Model,
		AuthMethod:        auth,
		ExtraHeaders:      c.ExtraHeaders,
		AzureDeployment:   c.AzureDeployment,
		AzureAPIVersion:   c.AzureAPIVersion,
		SystemInstruction: c.SystemPrompt,
	}
}

// RouteConfig is one upstream configuration, keyed in the route registry by
// an opaque token. A route used by a live session must carry a non-empty
// APIKey.
type RouteConfig struct {
	Provider          Provider          `json:"provider"`
	BaseURL           string            `json:"base_url,omitempty"`
	APIKey            string            `json:"api_key"`
	Model             string            `json:"model,omitempty"`
	AuthMethod        AuthMethod        `json:"auth_method"`
	ExtraHeaders      map[string]string `json:"extra_headers,omitempty"`
	AzureDeployment   string            `json:"azure_deployment,omitempty"`
	AzureAPIVersion   string            `json:"azure_api_version,omitempty"`
	SystemInstruction string            `json:"system_instruction,omitempty"`
	ProjectID         string            `json:"project_id,omitempty"`
}

// Valid reports whether the route can serve a live session.
func (rc RouteConfig) Valid() bool {
	return rc.APIKey != ""
}

// IsOAuth reports whether the route authenticates with a bearer token.
func (rc RouteConfig) IsOAuth() bool {
	return rc.AuthMethod == AuthOAuth
}
