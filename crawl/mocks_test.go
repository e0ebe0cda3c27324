package crawl

import (
	"context"

	"github.com/researchaccelerator-hub/vocalist-crawler/model"
	"github.com/researchaccelerator-hub/vocalist-crawler/ner"
	"github.com/stretchr/testify/mock"
)

// MockProvider is a testify mock of client.Provider.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) ResolveChannel(ctx context.Context, handle string) (model.ChannelRecord, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).(model.ChannelRecord), args.Error(1)
}

func (m *MockProvider) ListChannelContent(ctx context.Context, channelID string) ([]model.VideoRecord, error) {
	args := m.Called(ctx, channelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.VideoRecord), args.Error(1)
}

func (m *MockProvider) ListPlaylistContent(ctx context.Context, playlistID string) ([]model.VideoRecord, error) {
	args := m.Called(ctx, playlistID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.VideoRecord), args.Error(1)
}

func (m *MockProvider) ResolveContentItem(ctx context.Context, videoID string) (model.VideoRecord, error) {
	args := m.Called(ctx, videoID)
	return args.Get(0).(model.VideoRecord), args.Error(1)
}

// MockExtractor is a testify mock of ner.Extractor.
type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) ExtractEntities(ctx context.Context, text string) ([]ner.Entity, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ner.Entity), args.Error(1)
}

func (m *MockExtractor) DeriveMap(entities []ner.Entity, label string) map[string]string {
	args := m.Called(entities, label)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(map[string]string)
}
