package persistence

import "delta-trend-bot-go/internal/models"

// StateRepository stores the single position-state document of the agent.
type StateRepository interface {
	// SaveState atomically replaces the stored position state.
	SaveState(state *models.PositionState) error

	// LoadState returns the stored position state, or (nil, nil) when none was saved.
	LoadState() (*models.PositionState, error)

	Close() error
}
