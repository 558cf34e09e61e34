package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/jcawthorne/attache/internal/config"
	"github.com/jcawthorne/attache/internal/queue"
)

func newMockedScheduler(t *testing.T, now time.Time) (*Scheduler, *MockTaskStore, *MockQueueService) {
	t.Helper()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	store := NewMockTaskStore(ctrl)
	q := NewMockQueueService(ctrl)

	s := New(store, q, config.Defaults().Scheduler, nil, nil)
	s.now = func() time.Time { return now }
	return s, store, q
}

func cronTask(id string) *ScheduledTask {
	return &ScheduledTask{
		ID:              id,
		Name:            "daily-digest",
		SpecKind:        SpecCron,
		Spec:            "0 * * * *",
		ConversationKey: "conv-a",
		Payload:         json.RawMessage(`{"kind":"digest"}`),
		Status:          TaskActive,
		MaxRetries:      3,
	}
}

func TestTickFiresDueCronTask(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)
	s, store, q := newMockedScheduler(t, now)

	task := cronTask("t1")
	store.EXPECT().Due(gomock.Any(), now).Return([]*ScheduledTask{task}, nil)

	var enqueued queue.EnqueueRequest
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req queue.EnqueueRequest) (string, error) {
			enqueued = req
			return "item-1", nil
		})

	wantNext := time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)
	store.EXPECT().Advance(gomock.Any(), "t1", TaskActive, wantNext).Return(nil)

	s.Tick(context.Background())

	assert.Equal(t, "conv-a", enqueued.ConversationKey)
	assert.Equal(t, "scheduler", enqueued.SubmittedBy)

	var trigger TriggerPayload
	assert.NoError(t, json.Unmarshal(enqueued.Payload, &trigger))
	assert.Equal(t, "t1", trigger.TaskID)
	assert.Equal(t, "daily-digest", trigger.Task)
	assert.Equal(t, now, trigger.FiredAt)
	assert.JSONEq(t, `{"kind":"digest"}`, string(trigger.Payload))
}

func TestFireIntervalTaskAdvancesByInterval(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s, store, q := newMockedScheduler(t, now)

	task := &ScheduledTask{
		ID:              "t1",
		Name:            "poll-feed",
		SpecKind:        SpecEvery,
		Spec:            "90m",
		ConversationKey: "conv-a",
		Status:          TaskActive,
	}
	store.EXPECT().Due(gomock.Any(), now).Return([]*ScheduledTask{task}, nil)
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return("item-1", nil)
	store.EXPECT().Advance(gomock.Any(), "t1", TaskActive, now.Add(90*time.Minute)).Return(nil)

	s.Tick(context.Background())
}

func TestFireOneOffTaskCancelsItself(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s, store, q := newMockedScheduler(t, now)

	task := &ScheduledTask{
		ID:              "t1",
		Name:            "reminder",
		SpecKind:        SpecAt,
		Spec:            now.Format(time.RFC3339),
		ConversationKey: "conv-a",
		Status:          TaskActive,
		NextFireAt:      now,
	}
	store.EXPECT().Due(gomock.Any(), now).Return([]*ScheduledTask{task}, nil)
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return("item-1", nil)
	store.EXPECT().Advance(gomock.Any(), "t1", TaskCancelled, gomock.Any()).Return(nil)

	s.Tick(context.Background())
}

func TestFireFailureBacksOff(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s, store, q := newMockedScheduler(t, now)

	task := cronTask("t1")
	store.EXPECT().Due(gomock.Any(), now).Return([]*ScheduledTask{task}, nil)
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return("", errors.New("store unavailable"))

	// Default backoff base is 30s; first retry waits exactly that.
	store.EXPECT().RecordFailure(gomock.Any(), "t1", TaskActive, 1, now.Add(30*time.Second), "store unavailable").Return(nil)

	s.Tick(context.Background())
}

func TestFireFailureAtMaxRetriesStillBacksOff(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s, store, q := newMockedScheduler(t, now)

	task := cronTask("t1")
	task.RetryCount = 2
	task.MaxRetries = 3
	task.NextFireAt = now

	store.EXPECT().Due(gomock.Any(), now).Return([]*ScheduledTask{task}, nil)
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return("", errors.New("store unavailable"))

	// The third failure reaches max-retries but does not exceed it: the task
	// stays active with a backed-off next attempt (30s base doubled twice).
	store.EXPECT().RecordFailure(gomock.Any(), "t1", TaskActive, 3, now.Add(2*time.Minute), "store unavailable").Return(nil)

	s.Tick(context.Background())
}

func TestFireFailureExhaustionPausesTask(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s, store, q := newMockedScheduler(t, now)

	task := cronTask("t1")
	task.RetryCount = 3
	task.MaxRetries = 3
	task.NextFireAt = now

	store.EXPECT().Due(gomock.Any(), now).Return([]*ScheduledTask{task}, nil)
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return("", errors.New("store unavailable"))
	store.EXPECT().RecordFailure(gomock.Any(), "t1", TaskPaused, 4, now, "store unavailable").Return(nil)

	s.Tick(context.Background())
}

func TestResumeResetsTask(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s, store, _ := newMockedScheduler(t, now)

	task := &ScheduledTask{
		ID:       "t1",
		Name:     "poll-feed",
		SpecKind: SpecEvery,
		Spec:     "hourly",
		Status:   TaskPaused,
	}
	store.EXPECT().Resume(gomock.Any(), "t1", now.Add(time.Hour)).Return(nil)

	assert.NoError(t, s.Resume(context.Background(), task))
}

func TestResumeRejectsUnschedulableTask(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s, _, _ := newMockedScheduler(t, now)

	task := &ScheduledTask{
		ID:       "t1",
		SpecKind: SpecAt,
		Spec:     now.Add(-time.Hour).Format(time.RFC3339),
		Status:   TaskPaused,
	}
	err := s.Resume(context.Background(), task)
	assert.ErrorContains(t, err, "in the past")
}

type recordingSink struct {
	published map[string][]*ScheduledTask
}

func (r *recordingSink) PublishTaskSnapshot(key string, tasks []*ScheduledTask) error {
	if r.published == nil {
		r.published = make(map[string][]*ScheduledTask)
	}
	r.published[key] = tasks
	return nil
}

func TestTickPublishesActiveTaskSnapshots(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	store := NewMockTaskStore(ctrl)
	q := NewMockQueueService(ctrl)

	sink := &recordingSink{}
	s := New(store, q, config.Defaults().Scheduler, nil, sink)
	s.now = func() time.Time { return now }

	active1 := cronTask("t1")
	active2 := cronTask("t2")
	active2.ConversationKey = "conv-b"
	paused := cronTask("t3")
	paused.Status = TaskPaused

	store.EXPECT().Due(gomock.Any(), now).Return(nil, nil)
	store.EXPECT().List(gomock.Any()).Return([]*ScheduledTask{active1, active2, paused}, nil)

	s.Tick(context.Background())

	assert.Len(t, sink.published, 2)
	assert.Equal(t, []*ScheduledTask{active1}, sink.published["conv-a"])
	assert.Equal(t, []*ScheduledTask{active2}, sink.published["conv-b"])
}

func TestNextFire(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)

	cases := []struct {
		name    string
		kind    SpecKind
		spec    string
		want    time.Time
		wantErr bool
	}{
		{
			name: "cron top of hour",
			kind: SpecCron,
			spec: "0 * * * *",
			want: time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC),
		},
		{
			name: "interval",
			kind: SpecEvery,
			spec: "3d",
			want: now.Add(72 * time.Hour),
		},
		{
			name: "future one-off",
			kind: SpecAt,
			spec: "2026-08-26T09:00:00Z",
			want: time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC),
		},
		{
			name:    "past one-off",
			kind:    SpecAt,
			spec:    "2026-08-25T09:00:00Z",
			wantErr: true,
		},
		{
			name:    "malformed cron",
			kind:    SpecCron,
			spec:    "every tuesday",
			wantErr: true,
		},
		{
			name:    "unknown kind",
			kind:    SpecKind("periodic"),
			spec:    "1h",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := NextFire(&ScheduledTask{SpecKind: tc.kind, Spec: tc.spec}, now)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.True(t, got.Equal(tc.want), "NextFire = %v, want %v", got, tc.want)
		})
	}
}
