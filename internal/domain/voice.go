package domain

// VoiceQuality selects the audio capture tier.
type VoiceQuality string

const (
	VoiceQualityLow    VoiceQuality = "low"
	VoiceQualityMedium VoiceQuality = "medium"
	VoiceQualityHigh   VoiceQuality = "high"
)

// VoiceSettings are the user's persisted audio preferences.
type VoiceSettings struct {
	InputDevice      string       `json:"inputDevice,omitempty"`
	EchoCancellation bool         `json:"echoCancellation"`
	NoiseSuppression bool         `json:"noiseSuppression"`
	Quality          VoiceQuality `json:"quality"`
	Muted            bool         `json:"muted"`
}

func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		EchoCancellation: true,
		NoiseSuppression: true,
		Quality:          VoiceQualityMedium,
	}
}
