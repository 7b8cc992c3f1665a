package models

// AuthConfig holds bearer-token settings for the shell-facing API.
// Tokens are HS256 JWTs whose subject is the numeric user id.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
}

// RedisConfig points at the redis instance backing the confirmation
// stash and the upstream circuit breakers. Optional; in-memory
// fallbacks are used when unset.
type RedisConfig struct {
	URL string `json:"url,omitzero" yaml:"url"`
}

// OpenAIConfig configures the upstream LLM and image clients
type OpenAIConfig struct {
	APIKey     string `json:"api_key" yaml:"api_key"`
	ChatModel  string `json:"chat_model,omitzero" yaml:"chat_model"`
	ImageModel string `json:"image_model,omitzero" yaml:"image_model"`
}
