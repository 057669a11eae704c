package profile

import (
	"context"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// Backend persists profiles by user id. Load returns
// contracts.ErrProfileNotFound when the user has no stored profile.
type Backend interface {
	Load(ctx context.Context, userID string) (contracts.UserSafetyProfile, error)
	Save(ctx context.Context, p contracts.UserSafetyProfile) error
}
