package domain

// AssistantConfig is handed to the voice provider as-is.
type AssistantConfig struct {
	Name         string `json:"name" yaml:"name"`
	FirstMessage string `json:"firstMessage" yaml:"first_message"`
	SystemPrompt string `json:"systemPrompt" yaml:"system_prompt"`
	Transcriber  struct {
		Provider string `json:"provider" yaml:"provider"`
		Model    string `json:"model" yaml:"model"`
		Language string `json:"language" yaml:"language"`
	} `json:"transcriber" yaml:"transcriber"`
	Model struct {
		Provider string `json:"provider" yaml:"provider"`
		Model    string `json:"model" yaml:"model"`
	} `json:"model" yaml:"model"`
	Voice struct {
		Provider string `json:"provider" yaml:"provider"`
		VoiceID  string `json:"voiceId" yaml:"voice_id"`
	} `json:"voice" yaml:"voice"`
}
