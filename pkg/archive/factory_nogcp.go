//go:build !gcp

package archive

import (
	"context"
	"errors"
)

func newGCSStore(context.Context, Config) (Store, error) {
	return nil, errors.New("GCS archive is not enabled in this build (use -tags gcp)")
}
