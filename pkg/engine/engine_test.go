package engine

import (
	"context"
	"iter"

	"github.com/stretchr/testify/mock"

	"github.com/fourclicks/deployd/pkg/credentials"
	"github.com/fourclicks/deployd/pkg/progress"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	args := m.Called(ctx, id)
	t, _ := args.Get(0).(*Template)
	return t, args.Error(1)
}

func (m *mockStore) GetIPAddress(ctx context.Context, id int64) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *mockStore) GetHostGroupAddresses(ctx context.Context, id int64) ([]string, error) {
	args := m.Called(ctx, id)
	addrs, _ := args.Get(0).([]string)
	return addrs, args.Error(1)
}

func (m *mockStore) GetCredential(ctx context.Context, id int64) (*credentials.Record, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*credentials.Record)
	return rec, args.Error(1)
}

func (m *mockStore) CreateTask(ctx context.Context, task *Task) error {
	args := m.Called(ctx, task)
	if args.Error(0) == nil {
		task.ID = 7
	}
	return args.Error(0)
}

func (m *mockStore) SetTaskStatus(ctx context.Context, id int64, status TaskStatus, result *TaskResult) error {
	return m.Called(ctx, id, status, result).Error(0)
}

func (m *mockStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	args := m.Called(ctx, id)
	t, _ := args.Get(0).(*Task)
	return t, args.Error(1)
}

func collectEvents(seq iter.Seq[progress.Event]) []progress.Event {
	var out []progress.Event
	for ev := range seq {
		out = append(out, ev)
	}
	return out
}

func statuses(events []progress.Event) []progress.Status {
	out := make([]progress.Status, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Status)
	}
	return out
}

// lastBeforeEnd returns the event preceding stream_end.
func lastBeforeEnd(events []progress.Event) progress.Event {
	if len(events) < 2 {
		return progress.Event{}
	}
	return events[len(events)-2]
}

func outputsFor(events []progress.Event, host string) []string {
	var out []string
	for _, ev := range events {
		if ev.Status == progress.StatusOutput && ev.Host == host {
			out = append(out, ev.Message)
		}
	}
	return out
}
