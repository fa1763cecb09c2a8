package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/feed"
)

type SourceMock struct {
	mock.Mock
}

func (m *SourceMock) Open(ctx context.Context, q feed.Query, resume []byte) (feed.Stream, error) {
	args := m.Called(ctx, q, resume)
	if s := args.Get(0); s != nil {
		return s.(feed.Stream), args.Error(1)
	}
	return nil, args.Error(1)
}

type StreamMock struct {
	mock.Mock
}

func (m *StreamMock) Next(ctx context.Context) (feed.Batch, error) {
	args := m.Called(ctx)
	return args.Get(0).(feed.Batch), args.Error(1)
}

func (m *StreamMock) ResumeToken() []byte {
	args := m.Called()
	if tok := args.Get(0); tok != nil {
		return tok.([]byte)
	}
	return nil
}

func (m *StreamMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

var (
	_ feed.Source = (*SourceMock)(nil)
	_ feed.Stream = (*StreamMock)(nil)
)
