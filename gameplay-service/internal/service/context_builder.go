package service

import (
	"context"
	"fmt"
	"time"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"go.uber.org/zap"
)

// turnContext - контекст, передаваемый story-провайдеру для одного хода.
type turnContext struct {
	summary string
	history []models.ContextMessage
}

// pendingSummary is a snapshot produced outside the lock and attached on commit.
type pendingSummary struct {
	nodeID   string
	snapshot *models.SummarySnapshot
}

func toMessages(nodes []*models.StorySegment) []models.ContextMessage {
	out := make([]models.ContextMessage, 0, len(nodes))
	for _, n := range nodes {
		if n.Text == "" {
			continue
		}
		out = append(out, models.ContextMessage{Role: n.Role, Text: n.Text})
	}
	return out
}

func (c *Controller) countTokens(summary *models.SummarySnapshot, raw []*models.StorySegment) int {
	total := 0
	if summary != nil {
		total += c.tokens.Count(summary.Text)
	}
	for _, n := range raw {
		total += c.tokens.Count(n.Text)
	}
	return total
}

// needsSummary применяет политику сжатия к цепочке несжатых предков.
func (c *Controller) needsSummary(summary *models.SummarySnapshot, raw []*models.StorySegment) bool {
	if len(raw) <= c.cfg.SummaryKeepRecent {
		return false
	}
	if len(raw) > c.cfg.SummaryTurnThreshold {
		return true
	}
	return c.countTokens(summary, raw) > c.cfg.SummaryTokenThreshold
}

// buildContext assembles the context for the leaf. The graph data is passed in
// already copied, so this runs without c.mu. When the policy triggers, the
// elided nodes are condensed by the story provider; a failure keeps the full
// context and yields a warning instead.
func (c *Controller) buildContext(
	ctx context.Context,
	story interfaces.StoryProvider,
	summary *models.SummarySnapshot,
	raw []*models.StorySegment,
) (turnContext, *pendingSummary, []models.Warning) {
	tc := turnContext{history: toMessages(raw)}
	if summary != nil {
		tc.summary = summary.Text
	}
	if !c.needsSummary(summary, raw) {
		return tc, nil, nil
	}

	keep := c.cfg.SummaryKeepRecent
	elided := raw[:len(raw)-keep]
	recent := raw[len(raw)-keep:]
	log := c.logger.With(zap.Int("elided", len(elided)), zap.Int("kept", len(recent)))

	req := models.SummaryRequest{Messages: toMessages(elided)}
	covered := len(elided)
	if summary != nil {
		req.PreviousSummary = summary.Text
		covered += summary.CoveredNodes
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()
	text, err := story.Summarize(sctx, req)
	if err == nil && text == "" {
		err = fmt.Errorf("%w: empty summary", models.ErrGenerationFailed)
	}
	if err != nil {
		log.Warn("Summarization failed, continuing with full context", zap.Error(err))
		return tc, nil, []models.Warning{models.NewWarning(models.ModalityStory, fmt.Errorf("summarization skipped: %w", err))}
	}

	log.Info("History summarized")
	snap := &models.SummarySnapshot{Text: text, CoveredNodes: covered, CreatedAt: time.Now().UTC()}
	return turnContext{summary: text, history: toMessages(recent)},
		&pendingSummary{nodeID: elided[len(elided)-1].ID, snapshot: snap},
		nil
}
