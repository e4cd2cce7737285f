package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/inomad/custody-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// replica is a mocked escrow backend.
type replica struct {
	mock.Mock
	name string
}

func newReplica(name string, up bool) *replica {
	r := &replica{name: name}
	r.On("Available", mock.Anything).Return(up)
	return r
}

func (r *replica) holds(blob []byte, err error) *replica {
	r.On("Fetch", mock.Anything, escrowBlobID, interfaces.RecoveryShareType).Return(blob, err)
	return r
}

func (r *replica) accepts(err error) *replica {
	id := interfaces.ComputeID(escrowBlob)
	if err != nil {
		id = interfaces.ContentID{}
	}
	r.On("Store", mock.Anything, escrowBlob, interfaces.RecoveryShareType).Return(id, err)
	return r
}

func (r *replica) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	args := r.Called(ctx, id, contentType)
	blob, _ := args.Get(0).([]byte)
	return blob, args.Error(1)
}

func (r *replica) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	args := r.Called(ctx, data, contentType)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (r *replica) Available(ctx context.Context) bool { return r.Called(ctx).Bool(0) }
func (r *replica) Name() string                       { return r.name }
func (r *replica) LocationURI() string                { return "mock://" + r.name }

var (
	escrowBlob   = []byte("age-encryption.org/v1 escrowed recovery share")
	errReplica   = errors.New("replica offline")
	escrowBlobID = interfaces.ComputeID(escrowBlob)
)

func multiOf(replicas ...*replica) (*MultiStorageBackend, func(*testing.T)) {
	backends := make([]interfaces.StorageBackend, len(replicas))
	for i, r := range replicas {
		backends[i] = r
	}
	return NewMultiStorageBackend(backends, testLogger()), func(t *testing.T) {
		for _, r := range replicas {
			r.AssertExpectations(t)
		}
	}
}

func TestMultiStorageBackend_Available(t *testing.T) {
	up, _ := multiOf(newReplica("a", false), newReplica("b", true))
	assert.True(t, up.Available(context.Background()))

	down, _ := multiOf(newReplica("a", false), newReplica("b", false))
	assert.False(t, down.Available(context.Background()))

	empty, _ := multiOf()
	assert.False(t, empty.Available(context.Background()))
}

func TestMultiStorageBackend_Fetch(t *testing.T) {
	tests := []struct {
		name     string
		replicas func() []*replica
		wantErr  error
	}{
		{
			name: "primary copy",
			replicas: func() []*replica {
				return []*replica{newReplica("primary", true).holds(escrowBlob, nil), {name: "secondary"}}
			},
		},
		{
			name: "falls back after an error",
			replicas: func() []*replica {
				return []*replica{
					newReplica("primary", true).holds(nil, errReplica),
					newReplica("secondary", true).holds(escrowBlob, nil),
				}
			},
		},
		{
			name: "tampered copy is skipped",
			replicas: func() []*replica {
				return []*replica{
					newReplica("primary", true).holds([]byte("tampered"), nil),
					newReplica("secondary", true).holds(escrowBlob, nil),
				}
			},
		},
		{
			name: "offline replica is skipped",
			replicas: func() []*replica {
				return []*replica{newReplica("primary", false), newReplica("secondary", true).holds(escrowBlob, nil)}
			},
		},
		{
			name: "missing from every reachable replica",
			replicas: func() []*replica {
				return []*replica{newReplica("primary", true).holds(nil, interfaces.ErrContentNotFound), newReplica("secondary", false)}
			},
			wantErr: interfaces.ErrContentNotFound,
		},
		{
			name: "errors are joined",
			replicas: func() []*replica {
				return []*replica{
					newReplica("primary", true).holds(nil, errReplica),
					newReplica("secondary", true).holds(nil, interfaces.ErrContentNotFound),
				}
			},
			wantErr: errReplica,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			multi, verify := multiOf(tt.replicas()...)
			blob, err := multi.Fetch(context.Background(), escrowBlobID, interfaces.RecoveryShareType)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, blob)
			} else {
				require.NoError(t, err)
				assert.Equal(t, escrowBlob, blob)
			}
			verify(t)
		})
	}
}

func TestMultiStorageBackend_Store(t *testing.T) {
	t.Run("replicated everywhere", func(t *testing.T) {
		multi, verify := multiOf(newReplica("a", true).accepts(nil), newReplica("b", true).accepts(nil))
		id, err := multi.Store(context.Background(), escrowBlob, interfaces.RecoveryShareType)
		require.NoError(t, err)
		assert.Equal(t, escrowBlobID, id)
		verify(t)
	})

	t.Run("one replica is enough", func(t *testing.T) {
		multi, verify := multiOf(newReplica("a", true).accepts(errReplica), newReplica("b", false), newReplica("c", true).accepts(nil))
		id, err := multi.Store(context.Background(), escrowBlob, interfaces.RecoveryShareType)
		require.NoError(t, err)
		assert.Equal(t, escrowBlobID, id)
		verify(t)
	})

	t.Run("no replica accepts", func(t *testing.T) {
		multi, verify := multiOf(newReplica("a", true).accepts(errReplica), newReplica("b", false))
		_, err := multi.Store(context.Background(), escrowBlob, interfaces.RecoveryShareType)
		assert.ErrorIs(t, err, errReplica)
		assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
		verify(t)
	})
}

func TestMultiStorageBackend_LocationURI(t *testing.T) {
	multi, _ := multiOf(&replica{name: "a"}, &replica{name: "b"})
	assert.Equal(t, "multi:[mock://a,mock://b]", multi.LocationURI())
}
