package database

import (
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) ListAccounts(excludeId int) ([]User, error) {
	args := m.Called(excludeId)
	if users, ok := args.Get(0).([]User); ok {
		return users, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetConversation(accountId, peerId, limit int) ([]Message, error) {
	args := m.Called(accountId, peerId, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) MarkConversationSeen(recipientId, senderId int) (int64, error) {
	args := m.Called(recipientId, senderId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepository) CountUnseen(recipientId int) (map[int]int, error) {
	args := m.Called(recipientId)
	if counts, ok := args.Get(0).(map[int]int); ok {
		return counts, args.Error(1)
	}
	return nil, args.Error(1)
}
