package tts

import (
	"fmt"
	"slices"
)

// Voice is an entry of the fixed voice catalogue. Alias is the name a
// backend knows the voice by when it differs from ID.
type Voice struct {
	ID       string
	Language string
	Region   string
	Gender   string
	Alias    string
}

// BackendName returns Alias when set, otherwise ID.
func (v Voice) BackendName() string {
	if v.Alias != "" {
		return v.Alias
	}
	return v.ID
}

// VoiceSet is an immutable lookup table of voices.
type VoiceSet struct {
	voices []Voice
	byID   map[string]int
}

// NewVoiceSet builds a set, rejecting empty or repeated identifiers.
func NewVoiceSet(voices ...Voice) (VoiceSet, error) {
	set := VoiceSet{byID: make(map[string]int, len(voices))}
	for _, v := range voices {
		if v.ID == "" {
			return VoiceSet{}, fmt.Errorf("voice id must not be empty")
		}
		if _, dup := set.byID[v.ID]; dup {
			return VoiceSet{}, fmt.Errorf("duplicate voice %q", v.ID)
		}
		set.byID[v.ID] = len(set.voices)
		set.voices = append(set.voices, v)
	}
	return set, nil
}

// DefaultVoices is the Kokoro catalogue. Aliases map each voice onto a
// comparable Edge neural voice.
func DefaultVoices() VoiceSet {
	set, _ := NewVoiceSet(
		Voice{ID: "af_heart", Language: "en", Region: "US", Gender: "female", Alias: "en-US-AriaNeural"},
		Voice{ID: "af_bella", Language: "en", Region: "US", Gender: "female", Alias: "en-US-JennyNeural"},
		Voice{ID: "af_sarah", Language: "en", Region: "US", Gender: "female", Alias: "en-US-MichelleNeural"},
		Voice{ID: "am_adam", Language: "en", Region: "US", Gender: "male", Alias: "en-US-GuyNeural"},
		Voice{ID: "am_michael", Language: "en", Region: "US", Gender: "male", Alias: "en-US-ChristopherNeural"},
		Voice{ID: "bf_emma", Language: "en", Region: "GB", Gender: "female", Alias: "en-GB-SoniaNeural"},
		Voice{ID: "bf_isabella", Language: "en", Region: "GB", Gender: "female", Alias: "en-GB-LibbyNeural"},
		Voice{ID: "bm_george", Language: "en", Region: "GB", Gender: "male", Alias: "en-GB-RyanNeural"},
		Voice{ID: "bm_lewis", Language: "en", Region: "GB", Gender: "male", Alias: "en-GB-ThomasNeural"},
	)
	return set
}

// Lookup resolves an identifier or returns *UnknownVoiceError.
func (s VoiceSet) Lookup(id string) (Voice, error) {
	i, ok := s.byID[id]
	if !ok {
		return Voice{}, &UnknownVoiceError{ID: id, Known: s.IDs()}
	}
	return s.voices[i], nil
}

// All returns the voices in declaration order.
func (s VoiceSet) All() []Voice { return slices.Clone(s.voices) }

// IDs returns the voice identifiers in declaration order.
func (s VoiceSet) IDs() []string {
	ids := make([]string, len(s.voices))
	for i, v := range s.voices {
		ids[i] = v.ID
	}
	return ids
}

// Len reports the number of voices.
func (s VoiceSet) Len() int { return len(s.voices) }
