package classifier

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"soulchat/pkg/types"
)

// ErrEmptyCrisisList is returned when a lexicon file would disable crisis
// detection entirely.
var ErrEmptyCrisisList = errors.New("lexicon must contain at least one crisis phrase")

// Lexicon is the injectable keyword configuration, one list per category.
type Lexicon struct {
	Blocked    []string `yaml:"blocked" json:"blocked"`
	Crisis     []string `yaml:"crisis" json:"crisis"`
	Uplifting  []string `yaml:"uplifting" json:"uplifting"`
	Reflective []string `yaml:"reflective" json:"reflective"`
}

// DefaultLexicon returns the built-in word lists.
// "kill" and "hate" are left out of the blocked list so that crisis phrases
// such as "kill myself" are not pre-empted by profanity suppression.
func DefaultLexicon() *Lexicon {
	return &Lexicon{
		Blocked: []string{
			"fuck", "shit", "bitch", "bastard", "asshole", "slut", "dumb", "screw",
		},
		Crisis: []string{
			"suicide", "die", "kill myself", "i want to die", "end it",
			"hurting myself", "hopeless", "want to die", "cant go on", "i cant go on",
		},
		Uplifting: []string{
			"joy", "love", "peace", "smile", "hope", "sunshine", "beautiful", "kind",
			"grateful", "calm", "help", "truth", "justice", "respect", "honest",
			"forgive", "compassion", "courage", "faith", "care",
		},
		Reflective: []string{
			"pain", "sad", "cry", "hurt", "lonely", "dark", "lost", "fear", "hate", "rage",
		},
	}
}

// LoadLexicon reads a YAML lexicon file. Categories missing from the file
// keep their default lists.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon file %s: %w", path, err)
	}

	lexicon := DefaultLexicon()
	var fromFile Lexicon
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("failed to parse lexicon file %s: %w", path, err)
	}

	if fromFile.Blocked != nil {
		lexicon.Blocked = fromFile.Blocked
	}
	if fromFile.Crisis != nil {
		lexicon.Crisis = fromFile.Crisis
	}
	if fromFile.Uplifting != nil {
		lexicon.Uplifting = fromFile.Uplifting
	}
	if fromFile.Reflective != nil {
		lexicon.Reflective = fromFile.Reflective
	}

	if len(lexicon.Crisis) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyCrisisList)
	}
	return lexicon, nil
}

func (l *Lexicon) words(category types.Category) []string {
	switch category {
	case types.CategoryBlocked:
		return l.Blocked
	case types.CategoryCrisis:
		return l.Crisis
	case types.CategoryUplifting:
		return l.Uplifting
	case types.CategoryReflective:
		return l.Reflective
	default:
		return nil
	}
}
