package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/mutation"
)

type WriterMock struct {
	mock.Mock
}

func (m *WriterMock) Apply(ctx context.Context, w mutation.RemoteWrite) error {
	args := m.Called(ctx, w)
	return args.Error(0)
}

var _ mutation.Writer = (*WriterMock)(nil)
