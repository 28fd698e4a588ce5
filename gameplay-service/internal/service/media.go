package service

import (
	"context"
	"errors"
	"fmt"

	"novel-engine/pkg/taskmanager"
	"novel-engine/shared/models"
	"novel-engine/shared/utils"

	"go.uber.org/zap"
)

// --- Media policy ---

// applyMediaPolicyLocked decides media intent for a narrator node before it is committed.
// It returns the modalities to schedule automatically. Caller holds c.mu.
func (c *Controller) applyMediaPolicyLocked(n *models.StorySegment) []models.Modality {
	var auto []models.Modality

	if !c.aiSettings.Image.Enabled {
		n.SkipImage = true
	} else if ok, reason := c.modalityUsableLocked(models.ModalityImage); !ok {
		n.SkipImage = false
		n.ImageStatus = models.MediaStatusFailed
		n.ImageError = reason
	} else if c.aiSettings.AutoGenerateImages {
		n.ImageStatus = models.MediaStatusPending
		auto = append(auto, models.ModalityImage)
	}

	if c.aiSettings.Audio.Enabled {
		if ok, reason := c.modalityUsableLocked(models.ModalityAudio); !ok {
			n.AudioStatus = models.MediaStatusFailed
			n.AudioError = reason
		} else if c.aiSettings.AutoGenerateAudio {
			n.AudioStatus = models.MediaStatusPending
			auto = append(auto, models.ModalityAudio)
		}
	}
	return auto
}

// --- Manual triggers ---

// GenerateImageForNode ставит генерацию изображения для узла в фон.
func (c *Controller) GenerateImageForNode(ctx context.Context, nodeID string) error {
	return c.requestMedia(ctx, nodeID, models.ModalityImage)
}

// GenerateAudioForNode ставит озвучку узла в фон.
func (c *Controller) GenerateAudioForNode(ctx context.Context, nodeID string) error {
	return c.requestMedia(ctx, nodeID, models.ModalityAudio)
}

// GenerateVideoForNode ставит генерацию видео для узла в фон.
func (c *Controller) GenerateVideoForNode(ctx context.Context, nodeID string) error {
	return c.requestMedia(ctx, nodeID, models.ModalityVideo)
}

func (c *Controller) requestMedia(ctx context.Context, nodeID string, m models.Modality) error {
	c.mu.Lock()
	if !c.hasGameLocked() {
		c.mu.Unlock()
		return models.ErrNoActiveGame
	}
	if !c.graph.Has(nodeID) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrNodeNotFound, nodeID)
	}
	epoch := c.epoch
	c.mu.Unlock()

	if _, err := c.ensureValidated(ctx, epoch); err != nil {
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return models.ErrStaleResponse
	}
	node, err := c.graph.Get(nodeID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if node.Role != models.RoleNarrator {
		c.mu.Unlock()
		return fmt.Errorf("%w: media is generated for narrator nodes only", models.ErrInvalidInput)
	}
	if ok, reason := c.modalityUsableLocked(m); !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrModalityUnavailable, reason)
	}
	c.mu.Unlock()

	return c.scheduleMedia(ctx, epoch, nodeID, m)
}

// --- Background execution ---

// scheduleMedia submits one media task owned by the session epoch.
func (c *Controller) scheduleMedia(ctx context.Context, epoch uint64, nodeID string, m models.Modality) error {
	spec := taskmanager.TaskSpec{OwnerID: epochOwner(epoch), Name: string(m) + ":" + nodeID}
	_, err := c.tasks.SubmitTask(ctx, spec, func(taskCtx context.Context) error {
		return c.runMediaTask(taskCtx, epoch, nodeID, m)
	})
	if err != nil {
		c.logger.Warn("Failed to schedule media task", zap.String("nodeID", nodeID), zap.String("modality", string(m)), zap.Error(err))
		c.finishMedia(ctx, epoch, nodeID, m, "", err)
		return fmt.Errorf("%w: %v", models.ErrModalityUnavailable, err)
	}
	return nil
}

func (c *Controller) scheduleAll(ctx context.Context, epoch uint64, nodeID string, modalities []models.Modality) {
	for _, m := range modalities {
		_ = c.scheduleMedia(ctx, epoch, nodeID, m)
	}
}

func (c *Controller) runMediaTask(ctx context.Context, epoch uint64, nodeID string, m models.Modality) error {
	log := c.logger.With(zap.String("nodeID", nodeID), zap.String("modality", string(m)), zap.Uint64("epoch", epoch))

	c.mu.Lock()
	if c.epoch != epoch || c.graph == nil || !c.graph.Has(nodeID) {
		c.mu.Unlock()
		log.Debug("Media task dropped: session changed")
		return models.ErrStaleResponse
	}
	call, err := c.mediaCallLocked(nodeID, m)
	if err != nil {
		c.mu.Unlock()
		c.finishMedia(ctx, epoch, nodeID, m, "", err)
		return err
	}
	node, _ := c.graph.UpdateNode(nodeID, func(n *models.StorySegment) {
		setMediaStatus(n, m, models.MediaStatusGenerating, "")
	})
	c.mu.Unlock()
	c.notify(models.SessionEvent{Type: models.EventMediaUpdated, Epoch: epoch, NodeID: nodeID, Modality: m, Node: node})

	url, err := call(ctx)
	if err != nil {
		log.Warn("Media generation failed", zap.Error(err))
	} else {
		log.Info("Media generated")
	}
	c.finishMedia(ctx, epoch, nodeID, m, url, err)
	return err
}

// mediaCallLocked binds the provider call for modality m to the node's current data.
// Caller holds c.mu.
func (c *Controller) mediaCallLocked(nodeID string, m models.Modality) (func(context.Context) (string, error), error) {
	if ok, reason := c.modalityUsableLocked(m); !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrModalityUnavailable, reason)
	}
	n, err := c.graph.Get(nodeID)
	if err != nil {
		return nil, err
	}
	prompt := n.ImagePrompt
	if prompt == "" {
		prompt = utils.StringShort(n.Text, 400)
	}
	providers := c.providers
	timeout := c.cfg.ProviderTimeout

	switch m {
	case models.ModalityImage:
		return func(ctx context.Context) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			res, err := providers.Image.GenerateImage(ctx, models.ImageRequest{NodeID: nodeID, Prompt: prompt})
			if err != nil {
				return "", err
			}
			return res.URL, nil
		}, nil
	case models.ModalityAudio:
		text, tone := n.Text, n.Tone
		return func(ctx context.Context) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			res, err := providers.Audio.GenerateAudio(ctx, models.AudioRequest{NodeID: nodeID, Text: text, Tone: tone})
			if err != nil {
				return "", err
			}
			if res.Key != "" {
				return res.Key, nil
			}
			return res.URL, nil
		}, nil
	case models.ModalityVideo:
		imageURL := n.ImageURL
		return func(ctx context.Context) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			res, err := providers.Video.GenerateVideo(ctx, models.VideoRequest{NodeID: nodeID, Prompt: prompt, ImageURL: imageURL})
			if err != nil {
				return "", err
			}
			return res.URL, nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown modality %q", models.ErrInvalidInput, m)
	}
}

// finishMedia applies a media result if the session and node still exist.
// A failure never replaces an earlier success.
func (c *Controller) finishMedia(ctx context.Context, epoch uint64, nodeID string, m models.Modality, url string, genErr error) {
	c.mu.Lock()
	if c.epoch != epoch || c.graph == nil || !c.graph.Has(nodeID) {
		c.mu.Unlock()
		return
	}
	if genErr == nil && url == "" {
		genErr = fmt.Errorf("%w: provider returned no media", models.ErrGenerationFailed)
	}
	node, err := c.graph.UpdateNode(nodeID, func(n *models.StorySegment) {
		if genErr == nil {
			setMediaURL(n, m, url)
			setMediaStatus(n, m, models.MediaStatusReady, "")
			return
		}
		if mediaReady(n, m) {
			return
		}
		setMediaStatus(n, m, models.MediaStatusFailed, genErr.Error())
	})
	if err != nil {
		c.mu.Unlock()
		return
	}
	save := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(models.SessionEvent{Type: models.EventMediaUpdated, Epoch: epoch, NodeID: nodeID, Modality: m, Node: node})
	if genErr != nil && !errors.Is(genErr, context.Canceled) {
		w := models.NewWarning(m, genErr)
		c.notify(models.SessionEvent{Type: models.EventWarning, Epoch: epoch, NodeID: nodeID, Modality: m, Message: w.Message})
	}
	c.autosave(ctx, epoch, save)
}

func setMediaStatus(n *models.StorySegment, m models.Modality, status models.MediaStatus, errText string) {
	switch m {
	case models.ModalityImage:
		if status == models.MediaStatusGenerating && n.ImageStatus == models.MediaStatusReady {
			return
		}
		n.SkipImage = false
		n.ImageStatus, n.ImageError = status, errText
	case models.ModalityAudio:
		if status == models.MediaStatusGenerating && n.AudioStatus == models.MediaStatusReady {
			return
		}
		n.AudioStatus, n.AudioError = status, errText
	case models.ModalityVideo:
		if status == models.MediaStatusGenerating && n.VideoStatus == models.MediaStatusReady {
			return
		}
		n.VideoStatus, n.VideoError = status, errText
	}
}

func setMediaURL(n *models.StorySegment, m models.Modality, url string) {
	switch m {
	case models.ModalityImage:
		n.ImageURL = url
	case models.ModalityAudio:
		n.AudioKey = url
	case models.ModalityVideo:
		n.VideoURL = url
	}
}

func mediaReady(n *models.StorySegment, m models.Modality) bool {
	switch m {
	case models.ModalityImage:
		return n.ImageStatus == models.MediaStatusReady && n.ImageURL != ""
	case models.ModalityAudio:
		return n.AudioStatus == models.MediaStatusReady && n.AudioKey != ""
	case models.ModalityVideo:
		return n.VideoStatus == models.MediaStatusReady && n.VideoURL != ""
	}
	return false
}
