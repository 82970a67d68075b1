// Package companion implements the AI companion chat: emotion analysis and
// replies, gated on the user's daily analysis quota.
package companion

import (
	"context"
	"errors"
	"strings"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

var (
	// ErrEmptyMessage is returned for blank messages
	ErrEmptyMessage = errors.New("empty message")

	// ErrLimitReached is returned once the daily analyses are used up
	ErrLimitReached = entitlement.ErrQuotaExceeded
)

// Gate is the slice of a usage tracker the companion needs.
type Gate interface {
	CheckUsageLimit(feature entitlement.Feature) (entitlement.Decision, error)
	TrackUsage(feature entitlement.Feature, amount int) error
}

// Reply is the companion's answer to one message.
type Reply struct {
	Message   string           `json:"message"`
	Analysis  Analysis         `json:"analysis"`
	Crisis    bool             `json:"crisis"`
	Resources *CrisisResources `json:"resources,omitempty"` // helplines, crisis replies only
	Remaining int              `json:"remaining"`
}

// Companion ties an Analyzer and a Responder to the usage gate.
type Companion struct {
	analyzer  Analyzer
	responder Responder
	logger    entitlement.Logger
}

// New creates a companion. Nil collaborators fall back to the keyword
// analyzer and template responder.
func New(analyzer Analyzer, responder Responder, logger entitlement.Logger) *Companion {
	if analyzer == nil {
		analyzer = NewKeywordAnalyzer(nil)
	}
	if responder == nil {
		responder = TemplateResponder{}
	}
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &Companion{analyzer: analyzer, responder: responder, logger: logger}
}

// Send analyzes text and replies. Each message costs one aiAnalyses unit.
// Crisis messages are always answered and never charged.
func (c *Companion) Send(ctx context.Context, gate Gate, text, lang string) (Reply, error) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, ErrEmptyMessage
	}

	crisis := IsCrisis(text)
	d, err := gate.CheckUsageLimit(entitlement.FeatureAIAnalyses)
	if err != nil {
		return Reply{}, err
	}
	if !d.Allowed && !crisis {
		return Reply{Remaining: d.Remaining}, ErrLimitReached
	}

	analysis, err := c.analyzer.AnalyzeEmotion(ctx, text, lang)
	if err != nil {
		return Reply{}, err
	}
	message, err := c.responder.GenerateResponse(ctx, text, Context{Language: lang, Emotion: analysis.Emotion})
	if err != nil {
		return Reply{}, err
	}

	reply := Reply{Message: message, Analysis: analysis, Crisis: crisis, Remaining: d.Remaining}
	if crisis {
		c.logger.Warn("crisis message detected", entitlement.Field{Key: "language", Value: lang})
		res := ResourcesFor(lang)
		reply.Resources = &res
		return reply, nil
	}

	if err := gate.TrackUsage(entitlement.FeatureAIAnalyses, 1); err != nil {
		return Reply{}, err
	}
	if after, err := gate.CheckUsageLimit(entitlement.FeatureAIAnalyses); err == nil {
		reply.Remaining = after.Remaining
	}
	return reply, nil
}
