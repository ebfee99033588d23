//go:build !ceph

package storage

import (
	"context"
	"errors"

	"github.com/i-harbor/iharbor-s3/internal/config"
)

// NewRadosStore reports that this binary was built without librados. Build
// with -tags ceph to enable the rados backend.
func NewRadosStore(ctx context.Context, cfg config.RadosConfig) (ByteStore, error) {
	return nil, errors.New("rados backend not compiled in: rebuild with -tags ceph")
}
