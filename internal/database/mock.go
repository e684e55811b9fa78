package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockMessageStore) AccountExists(ctx context.Context, userId int) (bool, error) {
	args := m.Called(ctx, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockMessageStore) AppendMessage(ctx context.Context, params AppendParams) (AppendResult, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(AppendResult), args.Error(1)
}
func (m *MockMessageStore) GetMessages(ctx context.Context, conversationId string, afterSeqId, limit int) ([]Message, error) {
	args := m.Called(ctx, conversationId, afterSeqId, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMessageStore) MarkRead(ctx context.Context, conversationId string, readerId, uptoSeqId int) (Conversation, error) {
	args := m.Called(ctx, conversationId, readerId, uptoSeqId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockMessageStore) GetConversation(ctx context.Context, conversationId string) (Conversation, error) {
	args := m.Called(ctx, conversationId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockMessageStore) ListConversations(ctx context.Context, userId int) ([]Conversation, error) {
	args := m.Called(ctx, userId)
	if convs, ok := args.Get(0).([]Conversation); ok {
		return convs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMessageStore) UnreadCount(ctx context.Context, userId int) (int, error) {
	args := m.Called(ctx, userId)
	return args.Int(0), args.Error(1)
}
