// Package mocks holds small testify-based test doubles for the postgres
// adapter package.
package mocks

import (
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/mock"
)

// MockRow is a testify mock implementing pgx.Row for unit tests that need to
// control Scan's behavior without a real driver round trip.
type MockRow struct {
	mock.Mock
}

// Scan implements pgx.Row.
func (m *MockRow) Scan(dest ...any) error {
	args := m.Called(dest)
	return args.Error(0)
}

var _ pgx.Row = (*MockRow)(nil)
