package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"novel-engine/pkg/mediastore"
	"novel-engine/shared/interfaces"
	"novel-engine/shared/interfaces/mocks"
	"novel-engine/shared/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	media, err := mediastore.NewFileStore(t.TempDir(), "http://localhost/media", zap.NewNop())
	require.NoError(t, err)
	return Deps{Logger: zap.NewNop(), Media: media, Tokens: ApproxCounter{}, Timeout: 5 * time.Second}
}

func TestRegistryBuild(t *testing.T) {
	r := NewDefaultRegistry()
	deps := testDeps(t)

	t.Run("Story not configured", func(t *testing.T) {
		_, _, err := r.Build(&models.AISettings{}, deps)
		assert.ErrorIs(t, err, models.ErrStoryProviderNotConfigured)
		assert.Equal(t, models.ClassBlockingConfig, models.Classify(err))
	})

	t.Run("Unknown story provider", func(t *testing.T) {
		_, _, err := r.Build(&models.AISettings{Story: models.ModalitySettings{Provider: "nope"}}, deps)
		assert.ErrorIs(t, err, models.ErrUnknownProvider)
	})

	t.Run("Optional failures become warnings", func(t *testing.T) {
		settings := &models.AISettings{
			Story: models.ModalitySettings{Provider: ProviderOllama, Credentials: models.Credentials{BaseURL: "http://localhost:11434"}},
			Image: models.ModalitySettings{Provider: "midjourney", Enabled: true},
			Audio: models.ModalitySettings{Provider: ProviderOpenAI, Enabled: true}, // no api key
			Video: models.ModalitySettings{Provider: ProviderHTTP, Enabled: false},
		}
		set, warnings, err := r.Build(settings, deps)
		require.NoError(t, err)
		assert.NotNil(t, set.Story)
		assert.Nil(t, set.Image)
		assert.Nil(t, set.Audio)
		assert.Nil(t, set.Video)
		require.Len(t, warnings, 2)
		for _, w := range warnings {
			assert.Equal(t, models.ClassDegraded, w.Class)
		}
		assert.Nil(t, set.Validator(models.ModalityImage))
		assert.NotNil(t, set.Validator(models.ModalityStory))
	})

	t.Run("Custom factory", func(t *testing.T) {
		custom := NewRegistry()
		story := &mocks.MockStoryProvider{}
		custom.RegisterStory("test", func(models.ModalitySettings, Deps) (interfaces.StoryProvider, error) {
			return story, nil
		})
		set, warnings, err := custom.Build(&models.AISettings{Story: models.ModalitySettings{Provider: "test"}}, deps)
		require.NoError(t, err)
		assert.Empty(t, warnings)
		assert.Same(t, story, set.Story)
		assert.Equal(t, []models.ProviderKey{"test"}, custom.Keys(models.ModalityStory))
	})
}

func TestSanaImageProvider(t *testing.T) {
	var got SanaAPIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/generate":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	deps := testDeps(t)
	p, err := NewSanaImageProvider(models.Credentials{BaseURL: srv.URL}, deps.Media, srv.Client(), zap.NewNop())
	require.NoError(t, err)

	assert.True(t, p.Validate(context.Background()).IsValid)

	res, err := p.GenerateImage(context.Background(), models.ImageRequest{NodeID: "n1", Prompt: "a door"})
	require.NoError(t, err)
	assert.Contains(t, res.URL, "http://localhost/media/n1-image-")
	assert.Contains(t, got.Prompt, "a door")
	assert.Equal(t, defaultImageRatio, got.Ratio)

	_, err = p.GenerateImage(context.Background(), models.ImageRequest{NodeID: "n1"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestSanaImageProvider_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gpu on fire", http.StatusInternalServerError)
	}))
	defer srv.Close()

	deps := testDeps(t)
	p, err := NewSanaImageProvider(models.Credentials{BaseURL: srv.URL}, deps.Media, srv.Client(), zap.NewNop())
	require.NoError(t, err)

	res := p.Validate(context.Background())
	assert.False(t, res.IsValid)

	_, err = p.GenerateImage(context.Background(), models.ImageRequest{NodeID: "n1", Prompt: "x"})
	assert.ErrorIs(t, err, models.ErrGenerationFailed)
}

func TestHTTPVideoProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if r.URL.Path == "/generate" {
			_ = json.NewEncoder(w).Encode(videoAPIResponse{URL: "https://cdn/v.mp4"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewHTTPVideoProvider(models.Credentials{BaseURL: srv.URL, APIKey: "secret"}, srv.Client(), zap.NewNop())
	require.NoError(t, err)
	assert.True(t, p.Validate(context.Background()).IsValid)

	res, err := p.GenerateVideo(context.Background(), models.VideoRequest{NodeID: "n1", Prompt: "door opens"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/v.mp4", res.URL)
}
