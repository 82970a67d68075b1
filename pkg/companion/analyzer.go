package companion

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// Analysis is the emotion read of one message.
type Analysis struct {
	Emotion     string   `json:"emotion"`
	Confidence  float64  `json:"confidence"`
	MoodScore   int      `json:"moodScore"`
	Language    string   `json:"language"`
	Suggestions []string `json:"suggestions"`
}

// Analyzer classifies the emotion of a message.
type Analyzer interface {
	AnalyzeEmotion(ctx context.Context, text, lang string) (Analysis, error)
}

type emotionPattern struct {
	name     string
	keywords []string
	phrases  []string
	score    int
}

// Checked in order; a later emotion wins only with a strictly higher confidence.
var emotionPatterns = []emotionPattern{
	{
		name:     "happy",
		keywords: []string{"happy", "joy", "excited", "great", "wonderful", "amazing", "fantastic", "love", "perfect", "awesome", "brilliant", "excellent"},
		phrases:  []string{"feeling good", "on top of the world", "over the moon", "having a blast"},
		score:    8,
	},
	{
		name:     "sad",
		keywords: []string{"sad", "depressed", "down", "blue", "miserable", "heartbroken", "devastated", "gloomy", "melancholy"},
		phrases:  []string{"feeling down", "in the dumps", "under the weather"},
		score:    3,
	},
	{
		name:     "anxious",
		keywords: []string{"anxious", "worried", "nervous", "stressed", "panic", "overwhelmed", "tense", "uneasy", "restless"},
		phrases:  []string{"on edge", "butterflies in stomach", "can't relax"},
		score:    4,
	},
	{
		name:     "angry",
		keywords: []string{"angry", "mad", "furious", "irritated", "annoyed", "frustrated", "rage", "livid", "outraged"},
		phrases:  []string{"fed up", "had enough", "boiling mad"},
		score:    4,
	},
	{
		name:     "calm",
		keywords: []string{"calm", "peaceful", "relaxed", "serene", "tranquil", "composed", "zen", "balanced"},
		phrases:  []string{"at peace", "feeling centered", "completely relaxed"},
		score:    7,
	},
	{
		name:     "excited",
		keywords: []string{"excited", "thrilled", "pumped", "energetic", "enthusiastic", "eager", "hyped"},
		phrases:  []string{"can't wait", "so excited", "full of energy"},
		score:    9,
	},
	{
		name:     "tired",
		keywords: []string{"tired", "exhausted", "drained", "weary", "fatigued", "sleepy", "worn out"},
		phrases:  []string{"running on empty", "dead tired", "completely drained"},
		score:    4,
	},
}

var defaultSuggestions = []string{
	"Take deep breaths",
	"Practice mindfulness",
	"Talk to someone you trust",
	"Engage in physical activity",
}

// KeywordAnalyzer is a placeholder for an on-device emotion model. It scores
// each emotion by substring matches (keywords weigh 1, phrases 2) and adds a
// small random jitter to the result.
type KeywordAnalyzer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewKeywordAnalyzer creates an analyzer drawing jitter from src.
// A nil src is seeded from the clock.
func NewKeywordAnalyzer(src rand.Source) *KeywordAnalyzer {
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = rand.NewPCG(seed, seed>>1)
	}
	return &KeywordAnalyzer{rng: rand.New(src)}
}

// AnalyzeEmotion implements Analyzer.
func (a *KeywordAnalyzer) AnalyzeEmotion(ctx context.Context, text, lang string) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}

	emotion, confidence, mood := classify(text)

	a.mu.Lock()
	confJitter := a.rng.Float64()*0.2 - 0.1
	moodJitter := a.rng.Float64()*2 - 1
	a.mu.Unlock()

	confidence = math.Max(0.6, confidence+confJitter)
	moodScore := int(math.Round(math.Max(1, math.Min(10, float64(mood)+moodJitter))))

	return Analysis{
		Emotion:     emotion,
		Confidence:  confidence,
		MoodScore:   moodScore,
		Language:    lang,
		Suggestions: append([]string(nil), defaultSuggestions...),
	}, nil
}

// classify returns the best matching emotion before jitter.
func classify(text string) (emotion string, confidence float64, mood int) {
	lower := strings.ToLower(text)
	emotion, confidence, mood = "neutral", 0.5, 5

	for _, p := range emotionPatterns {
		score := 0
		for _, k := range p.keywords {
			if strings.Contains(lower, k) {
				score++
			}
		}
		for _, ph := range p.phrases {
			if strings.Contains(lower, ph) {
				score += 2
			}
		}
		if score == 0 {
			continue
		}
		c := math.Min(0.95, 0.6+float64(score)*0.1)
		if c > confidence {
			emotion, confidence, mood = p.name, c, p.score
		}
	}
	return emotion, confidence, mood
}
