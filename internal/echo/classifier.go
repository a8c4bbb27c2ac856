package echo

import (
	"strings"
)

// Decision is the outcome of classifying a candidate transcript.
type Decision int

const (
	// DecisionAccept keeps the candidate unmodified.
	DecisionAccept Decision = iota
	// DecisionStrip keeps the candidate minus an echoed prefix.
	DecisionStrip
	// DecisionDiscard drops the candidate entirely as pure echo.
	DecisionDiscard
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionStrip:
		return "strip"
	case DecisionDiscard:
		return "discard"
	}
	return "unknown"
}

// Result carries the classification decision and, for strips, the
// surviving remainder of the candidate.
type Result struct {
	Decision Decision
	Text     string
}

// ClassifierConfig holds the tuned echo thresholds.
type ClassifierConfig struct {
	// DiscardRatio is the word-overlap ratio at or above which the
	// candidate is pure echo.
	DiscardRatio float64
	// StripRatio is the word-overlap ratio at or above which the echoed
	// prefix is stripped and the remainder kept.
	StripRatio float64
	// AnchorChars is the length of the utterance prefix searched for
	// inside the candidate when no word-level shared prefix exists.
	AnchorChars int
	// ShortCandidateWords bounds the reverse containment check: only a
	// candidate at most this many words long can "contain" an utterance.
	ShortCandidateWords int
}

// Classifier compares candidate transcripts against recent assistant
// utterances. All methods are pure; the classifier holds no state beyond
// its thresholds.
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier creates a classifier with the given thresholds.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.AnchorChars <= 0 {
		cfg.AnchorChars = 48
	}
	if cfg.ShortCandidateWords <= 0 {
		cfg.ShortCandidateWords = 8
	}
	return &Classifier{cfg: cfg}
}

// Classify compares candidate against the utterance history (most recent
// first) and returns the strongest echo decision found. Intended to be
// called only while the controller's ignore window is open.
func (c *Classifier) Classify(candidate string, history []string) Result {
	cand := normalize(candidate)
	if cand == "" {
		return Result{Decision: DecisionDiscard}
	}

	best := Result{Decision: DecisionAccept, Text: candidate}
	for _, utterance := range history {
		utt := normalize(utterance)
		if utt == "" {
			continue
		}

		if c.contains(cand, utt) {
			return Result{Decision: DecisionDiscard}
		}

		ratio := overlapRatio(cand, utt)
		if ratio >= c.cfg.DiscardRatio {
			return Result{Decision: DecisionDiscard}
		}
		if ratio >= c.cfg.StripRatio && best.Decision == DecisionAccept {
			remainder := c.stripEcho(candidate, utt)
			if strings.TrimSpace(remainder) == "" {
				return Result{Decision: DecisionDiscard}
			}
			best = Result{Decision: DecisionStrip, Text: strings.TrimSpace(remainder)}
		}
	}
	return best
}

// FilterPostPlayback is the simpler always-on filter applied within a
// short window after playback, regardless of the ignore window: only the
// prior response is compared, and only by containment.
func (c *Classifier) FilterPostPlayback(candidate, lastResponse string) Result {
	cand := normalize(candidate)
	utt := normalize(lastResponse)
	if cand == "" {
		return Result{Decision: DecisionDiscard}
	}
	if utt == "" {
		return Result{Decision: DecisionAccept, Text: candidate}
	}
	if c.contains(cand, utt) {
		return Result{Decision: DecisionDiscard}
	}
	return Result{Decision: DecisionAccept, Text: candidate}
}

// contains implements the containment check: the utterance containing
// the full candidate is always echo; a short candidate containing the
// utterance is echo too.
func (c *Classifier) contains(cand, utt string) bool {
	if strings.Contains(utt, cand) {
		return true
	}
	if len(strings.Fields(cand)) <= c.cfg.ShortCandidateWords && strings.Contains(cand, utt) {
		return true
	}
	return false
}

// stripEcho removes the echoed lead of candidate: the word-level shared
// prefix with the utterance, or failing that everything through the
// first occurrence of the utterance's leading anchor.
func (c *Classifier) stripEcho(candidate, utt string) string {
	candWords := strings.Fields(candidate)
	uttWords := strings.Fields(utt)

	shared := 0
	for shared < len(candWords) && shared < len(uttWords) {
		if strings.ToLower(candWords[shared]) != uttWords[shared] {
			break
		}
		shared++
	}
	if shared > 0 {
		return strings.Join(candWords[shared:], " ")
	}

	anchor := utt
	if len(anchor) > c.cfg.AnchorChars {
		anchor = anchor[:c.cfg.AnchorChars]
	}
	if idx := strings.Index(normalize(candidate), anchor); idx >= 0 {
		cut := idx + len(anchor)
		if cut < len(candidate) {
			return candidate[cut:]
		}
		return ""
	}
	return candidate
}

// overlapRatio is the fraction of significant candidate words (length
// greater than 2) found in the utterance's word set.
func overlapRatio(cand, utt string) float64 {
	uttSet := make(map[string]struct{})
	for _, w := range strings.Fields(utt) {
		uttSet[w] = struct{}{}
	}

	total := 0
	matched := 0
	for _, w := range strings.Fields(cand) {
		if len(w) <= 2 {
			continue
		}
		total++
		if _, ok := uttSet[w]; ok {
			matched++
		}
	}
	if total == 0 {
		return 0.0
	}
	return float64(matched) / float64(total)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
