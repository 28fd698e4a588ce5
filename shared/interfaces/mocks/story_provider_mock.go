package mocks

import (
	"context"

	"novel-engine/shared/interfaces"
	"novel-engine/shared/models"

	"github.com/stretchr/testify/mock"
)

// MockStoryProvider is a mock type for the StoryProvider type
type MockStoryProvider struct {
	mock.Mock
}

// Validate provides a mock function with given fields: ctx
func (_m *MockStoryProvider) Validate(ctx context.Context) models.ValidationResult {
	ret := _m.Called(ctx)

	var r0 models.ValidationResult
	if rf, ok := ret.Get(0).(func(context.Context) models.ValidationResult); ok {
		r0 = rf(ctx)
	} else {
		r0 = ret.Get(0).(models.ValidationResult)
	}

	return r0
}

// GenerateOutline provides a mock function with given fields: ctx, req
func (_m *MockStoryProvider) GenerateOutline(ctx context.Context, req models.OutlineRequest) (*models.OutlineResult, error) {
	ret := _m.Called(ctx, req)

	var r0 *models.OutlineResult
	if rf, ok := ret.Get(0).(func(context.Context, models.OutlineRequest) *models.OutlineResult); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*models.OutlineResult)
		}
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, models.OutlineRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// GenerateSegment provides a mock function with given fields: ctx, req
func (_m *MockStoryProvider) GenerateSegment(ctx context.Context, req models.SegmentRequest) (*models.SegmentResult, error) {
	ret := _m.Called(ctx, req)

	var r0 *models.SegmentResult
	if rf, ok := ret.Get(0).(func(context.Context, models.SegmentRequest) *models.SegmentResult); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*models.SegmentResult)
		}
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, models.SegmentRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// Summarize provides a mock function with given fields: ctx, req
func (_m *MockStoryProvider) Summarize(ctx context.Context, req models.SummaryRequest) (string, error) {
	ret := _m.Called(ctx, req)

	var r0 string
	if rf, ok := ret.Get(0).(func(context.Context, models.SummaryRequest) string); ok {
		r0 = rf(ctx, req)
	} else {
		r0 = ret.String(0)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, models.SummaryRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockStoryProvider creates a new instance of MockStoryProvider. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewMockStoryProvider(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockStoryProvider {
	m := &MockStoryProvider{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

var _ interfaces.StoryProvider = (*MockStoryProvider)(nil)
