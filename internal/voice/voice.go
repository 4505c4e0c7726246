// Package voice selects synthesis voices and plays utterances one at a time.
//
// [Rank] orders voices by a fixed quality tier so the head of the list is a
// sensible default. [Speaker] serializes playback over an [Engine]: starting
// an utterance always cancels the previous one first, so at most one
// utterance is audible at any time.
package voice

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
)

// ProviderTag identifies the synthesis backend a voice belongs to.
type ProviderTag string

const (
	ProviderXTTS       ProviderTag = "xtts"
	ProviderCoqui      ProviderTag = "coqui"
	ProviderElevenLabs ProviderTag = "elevenlabs"
)

// ParseProviderTag validates s against the known backends.
func ParseProviderTag(s string) (ProviderTag, error) {
	switch t := ProviderTag(strings.ToLower(s)); t {
	case ProviderXTTS, ProviderCoqui, ProviderElevenLabs:
		return t, nil
	default:
		return "", fmt.Errorf("voice: unknown provider tag %q", s)
	}
}

// Voice describes one synthesis voice. Voices are immutable once listed.
type Voice struct {
	ID       string
	Name     string
	Lang     string
	Provider ProviderTag

	// Handle is the engine's own descriptor. Only the engine that listed the
	// voice interprets it.
	Handle any
}

// DefaultLocale is the locale family voices are filtered to.
const DefaultLocale = "en-"

// fuzzyThreshold is the minimum Jaro-Winkler similarity accepted by Find.
const fuzzyThreshold = 0.85

// Score rates a voice by name. Higher is better:
//
//	4  Microsoft neural or natural voices
//	3  Google neural or enhanced voices
//	2  other neural voices
//	1  other enhanced voices
//	0  everything else
func Score(v Voice) int {
	name := strings.ToLower(v.Name)
	neural := strings.Contains(name, "neural")
	switch {
	case strings.Contains(name, "microsoft") && (neural || strings.Contains(name, "natural")):
		return 4
	case strings.Contains(name, "google") && (neural || strings.Contains(name, "enhanced")):
		return 3
	case neural:
		return 2
	case strings.Contains(name, "enhanced"):
		return 1
	default:
		return 0
	}
}

// Rank returns a copy of voices sorted by descending [Score]. Voices with
// equal scores keep their input order, so ranking a ranked list is a no-op.
func Rank(voices []Voice) []Voice {
	out := slices.Clone(voices)
	slices.SortStableFunc(out, func(a, b Voice) int {
		return cmp.Compare(Score(b), Score(a))
	})
	return out
}

// FilterLocale keeps voices whose language starts with prefix, compared
// case-insensitively. Engine order is preserved.
func FilterLocale(voices []Voice, prefix string) []Voice {
	prefix = strings.ToLower(prefix)
	var out []Voice
	for _, v := range voices {
		if strings.HasPrefix(strings.ToLower(v.Lang), prefix) {
			out = append(out, v)
		}
	}
	return out
}

// Suggested returns the head of a ranked list.
func Suggested(ranked []Voice) (Voice, bool) {
	if len(ranked) == 0 {
		return Voice{}, false
	}
	return ranked[0], true
}

// ByID returns the voice with exactly the given id.
func ByID(voices []Voice, id string) (Voice, bool) {
	i := slices.IndexFunc(voices, func(v Voice) bool { return v.ID == id })
	if i < 0 {
		return Voice{}, false
	}
	return voices[i], true
}

// Find resolves a user-supplied voice reference. It tries an exact id, then a
// case-insensitive name, then the closest name by Jaro-Winkler similarity.
func Find(voices []Voice, query string) (Voice, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Voice{}, false
	}
	if v, ok := ByID(voices, query); ok {
		return v, true
	}
	for _, v := range voices {
		if strings.EqualFold(v.Name, query) {
			return v, true
		}
	}

	var (
		best      Voice
		bestScore float64
	)
	q := strings.ToLower(query)
	for _, v := range voices {
		if s := matchr.JaroWinkler(q, strings.ToLower(v.Name), false); s > bestScore {
			best, bestScore = v, s
		}
	}
	if bestScore < fuzzyThreshold {
		return Voice{}, false
	}
	return best, true
}
