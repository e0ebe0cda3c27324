package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/researchaccelerator-hub/vocalist-crawler/client"
	"github.com/researchaccelerator-hub/vocalist-crawler/config"
	"github.com/researchaccelerator-hub/vocalist-crawler/dedup"
	"github.com/researchaccelerator-hub/vocalist-crawler/distributed"
	"github.com/researchaccelerator-hub/vocalist-crawler/metrics"
	"github.com/researchaccelerator-hub/vocalist-crawler/model"
	"github.com/researchaccelerator-hub/vocalist-crawler/ner"
	"github.com/researchaccelerator-hub/vocalist-crawler/preprocess"
	"github.com/researchaccelerator-hub/vocalist-crawler/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	soshi  = model.ChannelRecord{ChannelID: "UCsoshi", Handle: "Soshi", Title: "Soshi", VideoCount: 2}
	guest1 = model.ChannelRecord{ChannelID: "UCguest1", Handle: "guest1", Title: "Guest One", VideoCount: 1}

	coverVideo = model.VideoRecord{
		VideoID:     "v1",
		ChannelID:   "UCsoshi",
		PublishTime: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Title:       "Acoustic Cover",
		Description: "Vocal: youtube.com/@guest1",
	}
	vlogVideo = model.VideoRecord{
		VideoID:     "v2",
		ChannelID:   "UCsoshi",
		PublishTime: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC),
		Title:       "Weekend vlog",
		Description: "thanks @guest1 for visiting",
	}
)

type testEnv struct {
	engine *Engine
	queue  *distributed.MemoryQueue
	store  *state.SQLiteStore
	topics distributed.Topics
}

func newTestEnv(t *testing.T, provider client.Provider, extractor ner.Extractor, opts Options) *testEnv {
	t.Helper()

	store, err := state.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	topics := distributed.NewTopics(distributed.DefaultTopicPrefix)
	queue := distributed.NewMemoryQueue(distributed.NewDefaultRegistry(topics))
	t.Cleanup(func() { _ = queue.Close() })

	if len(opts.Seeds) == 0 {
		opts.Seeds = []string{"Soshi"}
	}
	if opts.FanoutLimit == 0 {
		opts.FanoutLimit = 4
	}
	opts.Topics = topics
	opts.CrawlID = "test-crawl"
	if extractor == nil {
		extractor = ner.NewPatternExtractor()
	}

	engine, err := NewEngine(opts, Dependencies{
		Queue:     queue,
		Provider:  provider,
		Store:     store,
		Extractor: extractor,
		Gate:      dedup.NewGate(dedup.NewCache(time.Minute, 128), store, true),
		Metrics:   metrics.New(),
	})
	require.NoError(t, err)

	return &testEnv{engine: engine, queue: queue, store: store, topics: topics}
}

func videoMessage(t *testing.T, topic string, v model.VideoRecord) distributed.Message {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return distributed.Message{Topic: topic, Data: data, Body: v}
}

func channelMessage(t *testing.T, topic string, c model.ChannelRecord) distributed.Message {
	t.Helper()
	data, err := json.Marshal(c)
	require.NoError(t, err)
	return distributed.Message{Topic: topic, Data: data, Body: c}
}

func TestNewEngine(t *testing.T) {
	store := &state.SQLiteStore{}
	queue := distributed.NewMemoryQueue(distributed.NewRegistry())
	gate := dedup.NewGate(dedup.NewCache(0, 0), nil, true)
	full := Dependencies{
		Queue:     queue,
		Provider:  &MockProvider{},
		Store:     store,
		Extractor: ner.NewPatternExtractor(),
		Gate:      gate,
	}

	t.Run("no seeds", func(t *testing.T) {
		_, err := NewEngine(Options{}, full)
		assert.ErrorIs(t, err, ErrNoSeeds)
	})

	t.Run("missing dependency", func(t *testing.T) {
		deps := full
		deps.Gate = nil
		_, err := NewEngine(Options{Seeds: []string{"Soshi"}}, deps)
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		e, err := NewEngine(Options{Seeds: []string{"Soshi"}}, full)
		require.NoError(t, err)
		assert.Equal(t, 1, e.opts.FanoutLimit)
		assert.Equal(t, config.FailurePolicyDrop, e.opts.FailurePolicy)
		assert.Equal(t, distributed.NewTopics(distributed.DefaultTopicPrefix), e.opts.Topics)
		assert.NotNil(t, e.validator)
		assert.NotNil(t, e.metrics)
	})
}

func TestEngineRun_SeedToVocalist(t *testing.T) {
	provider := &MockProvider{}
	provider.On("ResolveChannel", mock.Anything, "Soshi").Return(soshi, nil).Once()
	provider.On("ResolveChannel", mock.Anything, "guest1").Return(guest1, nil).Once()
	provider.On("ListChannelContent", mock.Anything, "UCsoshi").Return([]model.VideoRecord{coverVideo, vlogVideo}, nil).Once()
	provider.On("ListChannelContent", mock.Anything, "UCguest1").Return([]model.VideoRecord{}, nil).Once()

	env := newTestEnv(t, provider, nil, Options{
		SeedDelay:       10 * time.Millisecond,
		ChannelInterval: 10 * time.Millisecond,
		VideoInterval:   10 * time.Millisecond,
		MaxChannels:     2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, env.engine.Run(ctx))
	require.NoError(t, ctx.Err(), "crawl should stop on the channel budget")

	provider.AssertExpectations(t)

	counts, err := env.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.Counts{Channels: 2, Videos: 1, Uploads: 1, Vocalists: 1}, counts)

	stored, err := env.store.GetVideo(context.Background(), "v1")
	require.NoError(t, err)
	require.True(t, stored.IsNormalized())
	assert.Contains(t, stored.Text(), "Acoustic Cover")

	_, err = env.store.GetVideo(context.Background(), "v2")
	assert.ErrorIs(t, err, state.ErrNotFound)

	found, err := env.store.FindChannelByHandle(context.Background(), "guest1")
	require.NoError(t, err)
	assert.Equal(t, "UCguest1", found.ChannelID)

	assert.Len(t, env.queue.Published(env.topics.Channels), 2)
	assert.Len(t, env.queue.Published(env.topics.Videos), 1)
}

func TestEngineRun_ChannelIntervalSpacesEpisodes(t *testing.T) {
	const interval = 100 * time.Millisecond

	var mu sync.Mutex
	var calls []time.Time
	record := func(mock.Arguments) {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
	}

	a := model.ChannelRecord{ChannelID: "UCa", Handle: "a"}
	b := model.ChannelRecord{ChannelID: "UCb", Handle: "b"}
	provider := &MockProvider{}
	provider.On("ResolveChannel", mock.Anything, "a").Return(a, nil)
	provider.On("ResolveChannel", mock.Anything, "b").Return(b, nil)
	provider.On("ListChannelContent", mock.Anything, mock.Anything).Run(record).Return([]model.VideoRecord{}, nil)

	env := newTestEnv(t, provider, nil, Options{
		Seeds:           []string{"a", "b"},
		ChannelInterval: interval,
		MaxChannels:     2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, env.engine.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), interval)
}

func TestEngineRun_CancelStopsPromptly(t *testing.T) {
	provider := &MockProvider{}
	env := newTestEnv(t, provider, nil, Options{SeedDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.engine.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
	provider.AssertNotCalled(t, "ResolveChannel", mock.Anything, mock.Anything)
}

func TestConsume_PacesEpisodes(t *testing.T) {
	const interval = 50 * time.Millisecond
	env := newTestEnv(t, &MockProvider{}, nil, Options{})

	in := make(chan distributed.Message, 3)
	for i := 0; i < 3; i++ {
		in <- distributed.Message{Topic: env.topics.Videos}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stamps []time.Time
	handle := func(context.Context, distributed.Message) error {
		stamps = append(stamps, time.Now())
		if len(stamps) == 3 {
			cancel()
		}
		return nil
	}

	require.NoError(t, env.engine.consume(ctx, loopVideo, in, interval, handle))
	require.Len(t, stamps, 3)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), interval)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(env.engine.metrics.Episodes.WithLabelValues(loopVideo, metrics.OutcomeOK)))
}

func TestConsume_ClosedStream(t *testing.T) {
	env := newTestEnv(t, &MockProvider{}, nil, Options{})
	in := make(chan distributed.Message)
	close(in)

	err := env.engine.consume(context.Background(), loopChannel, in, 0, env.engine.handleChannel)
	assert.ErrorIs(t, err, distributed.ErrClosed)
}

func TestHandleChannel(t *testing.T) {
	t.Run("out of scope videos are neither stored nor published", func(t *testing.T) {
		provider := &MockProvider{}
		provider.On("ListChannelContent", mock.Anything, "UCsoshi").Return([]model.VideoRecord{coverVideo, vlogVideo}, nil)
		env := newTestEnv(t, provider, nil, Options{})

		require.NoError(t, env.engine.handleChannel(context.Background(), channelMessage(t, env.topics.Channels, soshi)))

		_, err := env.store.GetChannel(context.Background(), "UCsoshi")
		require.NoError(t, err)
		_, err = env.store.GetVideo(context.Background(), "v1")
		require.NoError(t, err)
		_, err = env.store.GetVideo(context.Background(), "v2")
		assert.ErrorIs(t, err, state.ErrNotFound)

		published := env.queue.Published(env.topics.Videos)
		require.Len(t, published, 1)
		var got model.VideoRecord
		require.NoError(t, json.Unmarshal(published[0], &got))
		assert.Equal(t, "v1", got.VideoID)
		assert.True(t, got.IsNormalized())
		assert.Equal(t, 1.0, testutil.ToFloat64(env.engine.metrics.FilteredVideos))
	})

	t.Run("provider error is treated as empty", func(t *testing.T) {
		provider := &MockProvider{}
		provider.On("ListChannelContent", mock.Anything, "UCsoshi").Return(nil, errors.New("quota exceeded"))
		env := newTestEnv(t, provider, nil, Options{})

		require.NoError(t, env.engine.handleChannel(context.Background(), channelMessage(t, env.topics.Channels, soshi)))

		counts, err := env.store.Counts(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts.Channels)
		assert.Empty(t, env.queue.Published(env.topics.Videos))
		assert.Equal(t, 1.0, testutil.ToFloat64(env.engine.metrics.ProviderErrors.WithLabelValues("list_channel_content")))
	})

	t.Run("video without owner inherits the channel", func(t *testing.T) {
		orphan := coverVideo
		orphan.ChannelID = ""
		provider := &MockProvider{}
		provider.On("ListChannelContent", mock.Anything, "UCsoshi").Return([]model.VideoRecord{orphan}, nil)
		env := newTestEnv(t, provider, nil, Options{})

		require.NoError(t, env.engine.handleChannel(context.Background(), channelMessage(t, env.topics.Channels, soshi)))

		stored, err := env.store.GetVideo(context.Background(), "v1")
		require.NoError(t, err)
		assert.Equal(t, "UCsoshi", stored.ChannelID)
	})

	t.Run("invalid channel is abandoned", func(t *testing.T) {
		provider := &MockProvider{}
		env := newTestEnv(t, provider, nil, Options{})

		err := env.engine.handleChannel(context.Background(), channelMessage(t, env.topics.Channels, model.ChannelRecord{Handle: "nobody"}))
		assert.Error(t, err)
		provider.AssertNotCalled(t, "ListChannelContent", mock.Anything, mock.Anything)
	})

	t.Run("unexpected body", func(t *testing.T) {
		env := newTestEnv(t, &MockProvider{}, nil, Options{})
		err := env.engine.handleChannel(context.Background(), distributed.Message{Body: "nope"})
		assert.Error(t, err)
	})
}

func TestHandleVideo_DedupBound(t *testing.T) {
	const attempts = 20

	provider := &MockProvider{}
	provider.On("ResolveChannel", mock.Anything, "guest1").Return(guest1, nil)
	env := newTestEnv(t, provider, nil, Options{FanoutLimit: 8})

	msgs := make([]distributed.Message, attempts)
	for i := range msgs {
		msgs[i] = videoMessage(t, env.topics.Videos, preprocess.Normalize(model.VideoRecord{
			VideoID:     fmt.Sprintf("v%d", i),
			ChannelID:   "UCsoshi",
			Title:       "Cover",
			Description: "vocal @guest1",
		}))
	}

	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.engine.handleVideo(context.Background(), msg))
		}()
	}
	wg.Wait()

	assert.Len(t, env.queue.Published(env.topics.Channels), 1)
	provider.AssertNumberOfCalls(t, "ResolveChannel", 1)
	assert.Equal(t, float64(attempts-1), testutil.ToFloat64(env.engine.metrics.DedupSkips))
}

func TestHandleVideo_SkippedHandleLinksKnownChannel(t *testing.T) {
	provider := &MockProvider{}
	env := newTestEnv(t, provider, nil, Options{})
	ctx := context.Background()

	require.NoError(t, env.store.UpsertChannel(ctx, guest1))
	env.engine.gate.Cache().MarkEnqueued("guest1")

	require.NoError(t, env.engine.handleVideo(ctx, videoMessage(t, env.topics.Videos, coverVideo)))

	provider.AssertNotCalled(t, "ResolveChannel", mock.Anything, mock.Anything)
	assert.Empty(t, env.queue.Published(env.topics.Channels))
	counts, err := env.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Vocalists)
}

func TestHandleVideo_UnresolvableHandleIsDropped(t *testing.T) {
	provider := &MockProvider{}
	provider.On("ResolveChannel", mock.Anything, "guest1").Return(model.ChannelRecord{}, client.ErrNotFound)
	env := newTestEnv(t, provider, nil, Options{})

	require.NoError(t, env.engine.handleVideo(context.Background(), videoMessage(t, env.topics.Videos, coverVideo)))

	assert.Empty(t, env.queue.Published(env.topics.Channels))
	counts, err := env.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Vocalists)
}

func TestAbandon_FailurePolicy(t *testing.T) {
	tests := []struct {
		name            string
		policy          string
		wantDeadLetters int
	}{
		{name: "drop", policy: config.FailurePolicyDrop, wantDeadLetters: 0},
		{name: "deadletter", policy: config.FailurePolicyDeadLetter, wantDeadLetters: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			extractor := &MockExtractor{}
			extractor.On("ExtractEntities", mock.Anything, mock.Anything).Return(nil, errors.New("model unavailable"))
			env := newTestEnv(t, &MockProvider{}, extractor, Options{FailurePolicy: tt.policy})

			msg := videoMessage(t, env.topics.Videos, preprocess.Normalize(coverVideo))
			err := env.engine.handleVideo(context.Background(), msg)
			require.Error(t, err)
			env.engine.abandon(context.Background(), loopVideo, msg, err)

			extractor.AssertNotCalled(t, "DeriveMap", mock.Anything, mock.Anything)
			assert.Equal(t, 1.0, testutil.ToFloat64(env.engine.metrics.Episodes.WithLabelValues(loopVideo, metrics.OutcomeAbandoned)))

			letters := env.queue.Published(env.topics.DeadLetter)
			require.Len(t, letters, tt.wantDeadLetters)
			if tt.wantDeadLetters == 0 {
				return
			}
			var dl distributed.DeadLetterMessage
			require.NoError(t, json.Unmarshal(letters[0], &dl))
			assert.Equal(t, env.topics.Videos, dl.Topic)
			assert.JSONEq(t, string(msg.Data), string(dl.Payload))
			assert.Contains(t, dl.Error, "model unavailable")
			assert.NotEmpty(t, dl.TraceID)
		})
	}
}

func TestSeedLoop(t *testing.T) {
	t.Run("unresolvable seed is skipped", func(t *testing.T) {
		provider := &MockProvider{}
		provider.On("ResolveChannel", mock.Anything, "ghost").Return(model.ChannelRecord{}, client.ErrNotFound)
		provider.On("ResolveChannel", mock.Anything, "Soshi").Return(soshi, nil)
		env := newTestEnv(t, provider, nil, Options{Seeds: []string{"ghost", "Soshi"}})

		require.NoError(t, env.engine.seedLoop(context.Background()))

		published := env.queue.Published(env.topics.Channels)
		require.Len(t, published, 1)
		var got model.ChannelRecord
		require.NoError(t, json.Unmarshal(published[0], &got))
		assert.Equal(t, "UCsoshi", got.ChannelID)
	})

	t.Run("duplicate seeds are enqueued once", func(t *testing.T) {
		provider := &MockProvider{}
		provider.On("ResolveChannel", mock.Anything, "Soshi").Return(soshi, nil)
		env := newTestEnv(t, provider, nil, Options{Seeds: []string{"Soshi", "Soshi"}})

		require.NoError(t, env.engine.seedLoop(context.Background()))
		provider.AssertNumberOfCalls(t, "ResolveChannel", 1)
	})
}

func TestSleep(t *testing.T) {
	assert.True(t, sleep(context.Background(), 0))
	assert.True(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.False(t, sleep(ctx, time.Hour))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, sleep(ctx, 0))
}

func TestHandleVideo_RepeatedReferenceLinksEveryVideo(t *testing.T) {
	provider := &MockProvider{}
	provider.On("ResolveChannel", mock.Anything, "guest1").Return(guest1, nil).Once()
	env := newTestEnv(t, provider, nil, Options{})
	ctx := context.Background()

	second := coverVideo
	second.VideoID = "v9"
	for _, v := range []model.VideoRecord{coverVideo, second} {
		require.NoError(t, env.engine.handleVideo(ctx, videoMessage(t, env.topics.Videos, preprocess.Normalize(v))))
	}

	provider.AssertExpectations(t)
	assert.Len(t, env.queue.Published(env.topics.Channels), 1)

	counts, err := env.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Channels, "resolved channel is stored before the channel loop runs")
	assert.Equal(t, int64(2), counts.Vocalists)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.engine.metrics.StoredEdges.WithLabelValues(edgeVocalist)))
}

func TestHandleVideo_HandleCaseIsFolded(t *testing.T) {
	provider := &MockProvider{}
	provider.On("ResolveChannel", mock.Anything, "guest1").Return(guest1, nil).Once()
	env := newTestEnv(t, provider, nil, Options{})

	v := coverVideo
	v.Description = "vocal @Guest1\nprofile: https://youtube.com/@guest1"
	require.NoError(t, env.engine.handleVideo(context.Background(), videoMessage(t, env.topics.Videos, preprocess.Normalize(v))))

	provider.AssertExpectations(t)
	assert.Len(t, env.queue.Published(env.topics.Channels), 1)
}

func TestHandleChannel_CountsOnlyNewEdges(t *testing.T) {
	provider := &MockProvider{}
	provider.On("ListChannelContent", mock.Anything, "UCsoshi").Return([]model.VideoRecord{coverVideo}, nil).Twice()
	env := newTestEnv(t, provider, nil, Options{})
	msg := channelMessage(t, env.topics.Channels, soshi)

	require.NoError(t, env.engine.handleChannel(context.Background(), msg))
	require.NoError(t, env.engine.handleChannel(context.Background(), msg))

	assert.Equal(t, 1.0, testutil.ToFloat64(env.engine.metrics.StoredEdges.WithLabelValues(edgeUpload)))
	assert.Len(t, env.queue.Published(env.topics.Videos), 2)
}
