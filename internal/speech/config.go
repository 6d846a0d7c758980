package speech

import "time"

// Default voice for TTS. Change this constant to switch voices.
// Full list: https://learn.microsoft.com/en-us/azure/ai-services/speech-service/language-support
const DefaultVoice = "pt-BR-FranciscaNeural"

// Audio format returned by Azure and expected by the player.
const DefaultAudioFormat = "riff-24khz-16bit-mono-pcm"

// Env var names for Azure Speech credentials.
const (
	EnvAzureSpeechKey    = "AZURE_SPEECH_KEY"
	EnvAzureSpeechRegion = "AZURE_SPEECH_REGION"
)

// Fixed utterance parameters for every call.
const (
	Locale = "pt-BR"
	Rate   = 0.8
	Volume = 1.0
	Pitch  = 1.0
)

// Announcer timing.
const (
	DefaultPreDelay = 200 * time.Millisecond
	DefaultTimeout  = 6 * time.Second
)

// Utterance is one sentence handed to a speech backend.
type Utterance struct {
	Text   string
	Locale string
	Rate   float64 // 1.0 = normal speed
	Volume float64 // 0..1
	Pitch  float64 // 1.0 = normal pitch
}

// NewUtterance applies the fixed call parameters to text.
func NewUtterance(text string) Utterance {
	return Utterance{
		Text:   text,
		Locale: Locale,
		Rate:   Rate,
		Volume: Volume,
		Pitch:  Pitch,
	}
}
