// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"io"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/noldarim/buildgate/pkg/containers/models"
)

// MockClient is a mock implementation of ClientInterface
type MockClient struct {
	mock.Mock
}

var _ ClientInterface = (*MockClient)(nil)

func (m *MockClient) EnsureImage(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}

func (m *MockClient) CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error) {
	args := m.Called(ctx, config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Container), args.Error(1)
}

func (m *MockClient) StartContainer(ctx context.Context, containerID string) error {
	return m.Called(ctx, containerID).Error(0)
}

func (m *MockClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	return m.Called(ctx, containerID, timeout).Error(0)
}

func (m *MockClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	return m.Called(ctx, containerID, force).Error(0)
}

func (m *MockClient) InspectContainer(ctx context.Context, containerID string) (*models.Container, error) {
	args := m.Called(ctx, containerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Container), args.Error(1)
}

func (m *MockClient) ListContainersByLabels(ctx context.Context, labels map[string]string) ([]*models.Container, error) {
	args := m.Called(ctx, labels)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Container), args.Error(1)
}

func (m *MockClient) ExecContainer(ctx context.Context, containerID string, req models.ExecRequest) (*models.ExecResult, error) {
	args := m.Called(ctx, containerID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ExecResult), args.Error(1)
}

func (m *MockClient) CopyArchiveTo(ctx context.Context, containerID string, dstDir string, archive io.Reader) error {
	return m.Called(ctx, containerID, dstDir, archive).Error(0)
}

func (m *MockClient) CopyArchiveFrom(ctx context.Context, containerID string, srcPath string) ([]byte, error) {
	args := m.Called(ctx, containerID, srcPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockClient) Close() error {
	return m.Called().Error(0)
}
