package culture

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Obscurity sub-modes.
const (
	ModeScramble      = "scramble"
	ModeReplaceVowels = "replace_vowels"
	ModePigLatin      = "pig_latin"
	ModeCamelCase     = "camel_case"
)

// Modes lists the obscurity sub-modes.
var Modes = []string{ModeScramble, ModeReplaceVowels, ModePigLatin, ModeCamelCase}

// ParseMode validates an obscurity sub-mode.
func ParseMode(raw string) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(raw))
	for _, known := range Modes {
		if mode == known {
			return mode, nil
		}
	}
	return "", fmt.Errorf("culture: unknown obscurity mode %q (want one of %s)", raw, strings.Join(Modes, ", "))
}

// Obscurity distorts text according to the channel's obscurity sub-mode.
type Obscurity struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewObscurity returns the module. rng drives scrambling; nil seeds from the
// runtime source.
func NewObscurity(rng *rand.Rand) *Obscurity {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Obscurity{rng: rng}
}

func (o *Obscurity) Info() Info {
	return Info{
		Key:                 "obscurity",
		Name:                "Obscurity",
		ActivationMessage:   "Obscurity is now active. Messages will be distorted before anyone reads them.",
		DeactivationMessage: "Obscurity has been lifted. Speak plainly.",
		Icon:                "🫥",
	}
}

func (o *Obscurity) Transform(_ context.Context, in Input) (string, error) {
	mode := ModeScramble
	if in.Channel != nil {
		mode = in.Channel.ObscurityMode()
	}
	switch mode {
	case ModeScramble:
		return o.Scramble(in.Content), nil
	case ModeReplaceVowels:
		return ReplaceVowels(in.Content), nil
	case ModePigLatin:
		return PigLatin(in.Content), nil
	case ModeCamelCase:
		return CamelCase(in.Content), nil
	default:
		return "", fmt.Errorf("culture: unknown obscurity mode %q", mode)
	}
}

// Scramble shuffles the interior letters of every word longer than three
// characters.
func (o *Obscurity) Scramble(text string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	words := strings.Split(text, " ")
	for i, word := range words {
		runes := []rune(word)
		if len(runes) <= 3 {
			continue
		}
		inner := runes[1 : len(runes)-1]
		o.rng.Shuffle(len(inner), func(a, b int) { inner[a], inner[b] = inner[b], inner[a] })
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

// ReplaceVowels lowercases text and blanks out every vowel.
func ReplaceVowels(text string) string {
	return strings.Map(func(r rune) rune {
		if isVowel(r) {
			return ' '
		}
		return r
	}, strings.ToLower(text))
}

// PigLatin moves each word's leading consonant cluster to its end and adds
// "ay"; words starting with a vowel gain "way".
func PigLatin(text string) string {
	words := strings.Fields(strings.ToLower(text))
	for i, word := range words {
		runes := []rune(word)
		first := -1
		for j, r := range runes {
			if isVowel(r) {
				first = j
				break
			}
		}
		switch {
		case !unicode.IsLetter(runes[0]):
		case first == 0:
			words[i] = word + "way"
		case first < 0:
			words[i] = word + "ay"
		default:
			words[i] = string(runes[first:]) + string(runes[:first]) + "ay"
		}
	}
	return strings.Join(words, " ")
}

// CamelCase joins the title-cased words of text.
func CamelCase(text string) string {
	// Casers are stateful; one per call.
	titleCaser := cases.Title(language.Und)
	var b strings.Builder
	for _, word := range strings.Fields(text) {
		b.WriteString(titleCaser.String(word))
	}
	return b.String()
}

func isVowel(r rune) bool {
	switch unicode.ToLower(r) {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}
