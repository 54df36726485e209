package agent

import (
	"context"
	"testing"
)

type fakeTaskStore struct {
	pending      []map[string]any
	lastRunCalls []int
	deletedTasks []int
	deleteErr    error
}

func (f *fakeTaskStore) GetPendingTasks() ([]map[string]any, error) {
	return f.pending, nil
}

func (f *fakeTaskStore) UpdateTaskLastRun(id int) error {
	f.lastRunCalls = append(f.lastRunCalls, id)
	return nil
}

func (f *fakeTaskStore) ListTasks(chatID string) ([]map[string]any, error) {
	return nil, nil
}

func (f *fakeTaskStore) DeleteTask(chatID string, taskID int) error {
	f.deletedTasks = append(f.deletedTasks, taskID)
	return f.deleteErr
}

type fakeBrain struct {
	lastChatID string
	lastInput  string
	reply      string
}

func (f *fakeBrain) Think(ctx context.Context, chatID string, input string) (string, error) {
	f.lastChatID = chatID
	f.lastInput = input
	return f.reply, nil
}

type fakeMessenger struct {
	sentChatID string
	sentText   string
}

func (f *fakeMessenger) Send(chatID string, text string) error {
	f.sentChatID = chatID
	f.sentText = text
	return nil
}

func TestScheduler_PollAndExecute_OneTimeTaskIsDeleted(t *testing.T) {
	store := &fakeTaskStore{
		pending: []map[string]any{
			{"id": 1, "chat_id": "chat-1", "task_description": "remind me", "interval_seconds": 0},
		},
	}
	brain := &fakeBrain{reply: "reminder output"}
	gateway := &fakeMessenger{}

	s := NewScheduler(brain, store, gateway)
	s.pollAndExecute(context.Background())

	if brain.lastChatID != "chat-1" {
		t.Errorf("expected brain invoked for chat-1, got %q", brain.lastChatID)
	}
	if len(store.lastRunCalls) != 1 || store.lastRunCalls[0] != 1 {
		t.Errorf("expected UpdateTaskLastRun(1), got %v", store.lastRunCalls)
	}
	if len(store.deletedTasks) != 1 || store.deletedTasks[0] != 1 {
		t.Errorf("expected one-time task 1 deleted, got %v", store.deletedTasks)
	}
	if gateway.sentChatID != "chat-1" || gateway.sentText == "" {
		t.Errorf("expected output delivered via gateway, got chatID=%q text=%q", gateway.sentChatID, gateway.sentText)
	}
}

func TestScheduler_PollAndExecute_RecurringTaskIsNotDeleted(t *testing.T) {
	store := &fakeTaskStore{
		pending: []map[string]any{
			{"id": 2, "chat_id": "chat-2", "task_description": "daily digest", "interval_seconds": 86400},
		},
	}
	brain := &fakeBrain{reply: "digest output"}
	s := NewScheduler(brain, store, nil)

	s.pollAndExecute(context.Background())

	if len(store.deletedTasks) != 0 {
		t.Errorf("expected recurring task not deleted, got %v", store.deletedTasks)
	}
	if len(store.lastRunCalls) != 1 || store.lastRunCalls[0] != 2 {
		t.Errorf("expected UpdateTaskLastRun(2), got %v", store.lastRunCalls)
	}
}

func TestScheduler_PollAndExecute_NilGatewayDoesNotPanic(t *testing.T) {
	store := &fakeTaskStore{
		pending: []map[string]any{
			{"id": 3, "chat_id": "chat-3", "task_description": "no messenger configured", "interval_seconds": 0},
		},
	}
	s := NewScheduler(&fakeBrain{reply: "ok"}, store, nil)
	s.pollAndExecute(context.Background())

	if len(store.deletedTasks) != 1 {
		t.Errorf("expected task still processed without a gateway, got %v", store.deletedTasks)
	}
}
