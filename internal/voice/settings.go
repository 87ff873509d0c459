package voice

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/wasel-chat/wasel/internal/domain"
	"github.com/wasel-chat/wasel/internal/store"
)

// loadSettings reads the persisted voice preferences, falling back to
// defaults on anything unreadable.
func loadSettings(backend store.Backend) domain.VoiceSettings {
	data, ok := backend.Load(store.KeyVoiceSettings)
	if !ok {
		return domain.DefaultVoiceSettings()
	}
	var s domain.VoiceSettings
	if err := json.Unmarshal(data, &s); err != nil {
		log.Warn().Err(err).Str("module", "voice").Msg("unparseable voice settings, using defaults")
		return domain.DefaultVoiceSettings()
	}
	if s.Quality == "" {
		s.Quality = domain.VoiceQualityMedium
	}
	return s
}

func saveSettings(backend store.Backend, s domain.VoiceSettings) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := backend.Save(store.KeyVoiceSettings, data); err != nil {
		log.Warn().Err(err).Str("module", "voice").Msg("persist voice settings")
	}
}
