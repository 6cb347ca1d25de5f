package channels

import (
	"math/rand/v2"
	"regexp"
)

// MaxNameLength is the longest a channel name may be.
const MaxNameLength = 100

// validNameChars matches the legal channel-name character class.
var validNameChars = regexp.MustCompile(`^[A-Za-z0-9._?!-]+$`)

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const suffixLength = 10

// ValidateName reports whether name is a legal channel name: non-empty,
// at most MaxNameLength characters, drawn only from the character class
// [A-Za-z0-9._?!-]. Validating the same name twice always yields the
// same outcome (it's a pure function of the string).
func ValidateName(name string) error {
	if name == "" {
		return &ChannelError{Kind: InvalidChannelName, msg: "channel name must not be empty"}
	}
	if len(name) > MaxNameLength {
		return &ChannelError{Kind: InvalidChannelName, msg: "channel name exceeds 100 characters"}
	}
	if !validNameChars.MatchString(name) {
		return &ChannelError{Kind: InvalidChannelName, msg: "channel name contains invalid characters"}
	}
	return nil
}

// isSingleReader reports whether name ends in ! (reply channel) or ?
// (per-request body channel). Any other name is a multi-reader,
// process-type channel.
func isSingleReader(name string) bool {
	if name == "" {
		return false
	}
	last := name[len(name)-1]
	return last == '!' || last == '?'
}

// randomSuffix returns a suffixLength-character random ASCII-alphanumeric
// string. Uniqueness is best-effort: the suffix space is
// 62^10 (~8.4e17), so collisions are astronomically unlikely in practice
// but not impossible — callers must not rely on the returned name being
// globally unique.
func randomSuffix() string {
	buf := make([]byte, suffixLength)
	for i := range buf {
		buf[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return string(buf)
}

// newChannelName validates pattern and appends a random suffix. pattern
// must end in ! or ?.
func newChannelName(pattern string) (string, error) {
	if !isSingleReader(pattern) {
		return "", &ChannelError{Kind: InvalidChannelName, msg: "new_channel pattern must end in ! or ?"}
	}
	if err := ValidateName(pattern); err != nil {
		return "", err
	}
	name := pattern + randomSuffix()
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// shuffleChannels returns a copy of channels in a uniformly random order,
// so that a single Receive call doesn't always poll the same channel
// first, for fairness across channels. The input slice is never
// mutated.
func shuffleChannels(names []string) []string {
	shuffled := make([]string, len(names))
	copy(shuffled, names)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}
