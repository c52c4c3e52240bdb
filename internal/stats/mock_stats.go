package stats

import "github.com/stretchr/testify/mock"

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Register(metrics ...Metric) {
	m.Called(metrics)
}

func (m *MockProvider) Add(metric Metric, delta int64) {
	m.Called(metric, delta)
}

func (m *MockProvider) CountEvent(table, kind string) {
	m.Called(table, kind)
}

func (m *MockProvider) Run() {
	m.Called()
}

// NewNopProvider returns a mock that accepts every call.
func NewNopProvider() *MockProvider {
	m := &MockProvider{}
	m.On("Register", mock.Anything).Return()
	m.On("Add", mock.Anything, mock.Anything).Return()
	m.On("CountEvent", mock.Anything, mock.Anything).Return()
	return m
}
