package service

import (
	"context"
	"fmt"
	"sync"

	"novel-engine/pkg/ai"
	"novel-engine/shared/models"

	"go.uber.org/zap"
)

// readiness - результат проверки провайдеров для одной сессии.
type readiness struct {
	degraded map[models.Modality]string
	warnings []models.Warning
}

// prepareProviders читает настройки и собирает провайдеры.
// Optional modalities that failed to build are marked degraded right away.
func (c *Controller) prepareProviders(ctx context.Context) (*models.AISettings, *ai.ProviderSet, *readiness, error) {
	settings, err := c.settings.Load(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: failed to load settings: %v", models.ErrStoryProviderNotConfigured, err)
	}
	set, warnings, err := c.build(settings)
	if err != nil {
		return nil, nil, nil, err
	}
	r := &readiness{degraded: make(map[models.Modality]string), warnings: warnings}
	for _, w := range warnings {
		if w.Modality != models.ModalityNone {
			r.degraded[w.Modality] = w.Message
		}
	}
	return settings, set, r, nil
}

// validateProviders проверяет провайдеры без удержания мьютекса контроллера.
// Story failure is blocking. An optional provider whose identity matches the
// story provider inherits the story result instead of probing again.
func (c *Controller) validateProviders(ctx context.Context, settings *models.AISettings, set *ai.ProviderSet, r *readiness) error {
	log := c.logger.With(zap.String("operation", "validate"))

	vctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()

	story := set.Story.Validate(vctx)
	if !story.IsValid {
		log.Warn("Story provider failed validation", zap.String("error", story.Error))
		return fmt.Errorf("%w: %s", models.ErrStoryProviderInvalid, story.Error)
	}
	storyIdentity := set.Identities[models.ModalityStory]

	type outcome struct {
		modality models.Modality
		result   models.ValidationResult
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []outcome
	)
	for _, m := range models.OptionalModalities {
		if !settings.For(m).Enabled {
			continue
		}
		if _, failed := r.degraded[m]; failed {
			continue
		}
		v := set.Validator(m)
		if v == nil {
			continue
		}
		if id := set.Identities[m]; id != "" && id == storyIdentity {
			log.Debug("Provider shares story credentials, reusing story validation", zap.String("modality", string(m)))
			continue
		}
		wg.Add(1)
		go func(m models.Modality) {
			defer wg.Done()
			res := v.Validate(vctx)
			mu.Lock()
			outcomes = append(outcomes, outcome{modality: m, result: res})
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.result.IsValid {
			continue
		}
		err := fmt.Errorf("%w: %s provider failed validation: %s", models.ErrModalityUnavailable, o.modality, o.result.Error)
		log.Warn("Optional provider degraded", zap.String("modality", string(o.modality)), zap.String("error", o.result.Error))
		r.degraded[o.modality] = err.Error()
		r.warnings = append(r.warnings, models.NewWarning(o.modality, err))
	}
	return nil
}

// applyReadinessLocked installs a validated provider set into the session.
// Caller holds c.mu.
func (c *Controller) applyReadinessLocked(settings *models.AISettings, set *ai.ProviderSet, r *readiness) {
	c.providers = set
	c.aiSettings = *settings
	c.degraded = r.degraded
	c.validated = true
}

// ensureValidated validates providers for a session that was loaded without
// validation (SwitchSlot). Caller must not hold c.mu.
func (c *Controller) ensureValidated(ctx context.Context, epoch uint64) ([]models.Warning, error) {
	c.mu.Lock()
	done := c.validated && c.providers != nil
	c.mu.Unlock()
	if done {
		return nil, nil
	}

	settings, set, r, err := c.prepareProviders(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.validateProviders(ctx, settings, set, r); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return nil, models.ErrStaleResponse
	}
	c.applyReadinessLocked(settings, set, r)
	return r.warnings, nil
}

// modalityUsableLocked reports whether media of modality m can be requested.
// Caller holds c.mu.
func (c *Controller) modalityUsableLocked(m models.Modality) (bool, string) {
	if c.providers == nil {
		return false, "providers are not initialized"
	}
	if reason, ok := c.degraded[m]; ok {
		return false, reason
	}
	if c.providers.Validator(m) == nil {
		return false, fmt.Sprintf("%s provider is not configured", m)
	}
	return true, ""
}
