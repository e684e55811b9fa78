package notify

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Notify(ctx context.Context, userId int, summary Summary) error {
	args := m.Called(ctx, userId, summary)
	return args.Error(0)
}
