package mocks

import (
	"context"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"github.com/stretchr/testify/mock"
)

// MockImageProvider is a mock type for the ImageProvider type
type MockImageProvider struct {
	mock.Mock
}

// Validate provides a mock function with given fields: ctx
func (_m *MockImageProvider) Validate(ctx context.Context) models.ValidationResult {
	ret := _m.Called(ctx)
	return ret.Get(0).(models.ValidationResult)
}

// GenerateImage provides a mock function with given fields: ctx, req
func (_m *MockImageProvider) GenerateImage(ctx context.Context, req models.ImageRequest) (*models.ImageResult, error) {
	ret := _m.Called(ctx, req)

	var r0 *models.ImageResult
	if rf, ok := ret.Get(0).(func(context.Context, models.ImageRequest) *models.ImageResult); ok {
		r0 = rf(ctx, req)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.ImageResult)
	}

	return r0, ret.Error(1)
}

// MockAudioProvider is a mock type for the AudioProvider type
type MockAudioProvider struct {
	mock.Mock
}

// Validate provides a mock function with given fields: ctx
func (_m *MockAudioProvider) Validate(ctx context.Context) models.ValidationResult {
	ret := _m.Called(ctx)
	return ret.Get(0).(models.ValidationResult)
}

// GenerateAudio provides a mock function with given fields: ctx, req
func (_m *MockAudioProvider) GenerateAudio(ctx context.Context, req models.AudioRequest) (*models.AudioResult, error) {
	ret := _m.Called(ctx, req)

	var r0 *models.AudioResult
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.AudioResult)
	}

	return r0, ret.Error(1)
}

// MockVideoProvider is a mock type for the VideoProvider type
type MockVideoProvider struct {
	mock.Mock
}

// Validate provides a mock function with given fields: ctx
func (_m *MockVideoProvider) Validate(ctx context.Context) models.ValidationResult {
	ret := _m.Called(ctx)
	return ret.Get(0).(models.ValidationResult)
}

// GenerateVideo provides a mock function with given fields: ctx, req
func (_m *MockVideoProvider) GenerateVideo(ctx context.Context, req models.VideoRequest) (*models.VideoResult, error) {
	ret := _m.Called(ctx, req)

	var r0 *models.VideoResult
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.VideoResult)
	}

	return r0, ret.Error(1)
}

var (
	_ interfaces.ImageProvider = (*MockImageProvider)(nil)
	_ interfaces.AudioProvider = (*MockAudioProvider)(nil)
	_ interfaces.VideoProvider = (*MockVideoProvider)(nil)
)
