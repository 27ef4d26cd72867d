package services_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

// MockSource 是 imtypes.DocumentSource 的 mock。
type MockSource struct {
	mock.Mock
}

func (m *MockSource) Subscribe(ctx context.Context, sel imtypes.Selector) (imtypes.Stream, error) {
	args := m.Called(ctx, sel)
	s, _ := args.Get(0).(imtypes.Stream)
	return s, args.Error(1)
}

func (m *MockSource) Get(ctx context.Context, kind models.Kind, id string) (map[string]any, error) {
	args := m.Called(ctx, kind, id)
	data, _ := args.Get(0).(map[string]any)
	return data, args.Error(1)
}

func (m *MockSource) List(ctx context.Context, sel imtypes.Selector) ([]imtypes.Change, error) {
	args := m.Called(ctx, sel)
	changes, _ := args.Get(0).([]imtypes.Change)
	return changes, args.Error(1)
}

func (m *MockSource) Write(ctx context.Context, kind models.Kind, id string, patch map[string]any) error {
	return m.Called(ctx, kind, id, patch).Error(0)
}

func (m *MockSource) Delete(ctx context.Context, kind models.Kind, id string) error {
	return m.Called(ctx, kind, id).Error(0)
}

var _ imtypes.DocumentSource = (*MockSource)(nil)
