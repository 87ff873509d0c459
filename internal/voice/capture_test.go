package voice

import (
	"io"
	"testing"
	"time"

	"github.com/wasel-chat/wasel/internal/domain"
	"github.com/wasel-chat/wasel/internal/store"
)

func TestSilenceSourceCadence(t *testing.T) {
	reader, err := SilenceSource{}.Open(domain.DefaultVoiceSettings())
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	start := time.Now()
	sample, err := reader.Read()
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < frameDuration/2 {
		t.Errorf("sample produced after %v, below packetization interval", elapsed)
	}
	if sample.Duration != frameDuration {
		t.Errorf("sample duration = %v, want %v", sample.Duration, frameDuration)
	}
	if len(sample.Data) == 0 {
		t.Error("empty sample payload")
	}
}

func TestSilenceReaderClose(t *testing.T) {
	reader, err := SilenceSource{}.Open(domain.DefaultVoiceSettings())
	if err != nil {
		t.Fatal(err)
	}
	if err := reader.Close(); err != nil {
		t.Fatal(err)
	}
	// Closing twice is allowed.
	if err := reader.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := reader.Read(); err != io.EOF {
		t.Errorf("Read after Close = %v, want io.EOF", err)
	}
}

func TestLoadSettingsFallsBack(t *testing.T) {
	backend := store.NewMemoryBackend()
	if err := backend.Save(store.KeyVoiceSettings, []byte("{broken")); err != nil {
		t.Fatal(err)
	}
	if got := loadSettings(backend); got != domain.DefaultVoiceSettings() {
		t.Errorf("settings from corrupt storage = %+v", got)
	}

	// A record predating the quality field gets the medium tier.
	if err := backend.Save(store.KeyVoiceSettings, []byte(`{"muted":true}`)); err != nil {
		t.Fatal(err)
	}
	got := loadSettings(backend)
	if !got.Muted || got.Quality != domain.VoiceQualityMedium {
		t.Errorf("upgraded settings = %+v", got)
	}
}
