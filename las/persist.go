package las

import (
	"encoding/gob"
	"fmt"
	"io"
	"sync/atomic"
)

const stateVersion = 1

// ReducerState is the serializable state of a Reducer: its configuration
// and the round counter, the only state carried between rounds
type ReducerState struct {
	Version int
	Config  Config
	Round   uint64
}

// Save serializes the reducer state to gob format
func (r *Reducer) Save(w io.Writer) error {
	state := ReducerState{
		Version: stateVersion,
		Config:  r.Config(),
		Round:   atomic.LoadUint64(&r.round),
	}
	return gob.NewEncoder(w).Encode(state)
}

// Load deserializes a reducer saved with Save. Logger and metrics are not
// persisted and can be supplied through options.
func Load(rd io.Reader, options ...Option) (*Reducer, error) {
	var state ReducerState
	if err := gob.NewDecoder(rd).Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != stateVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, state.Version)
	}

	r, err := NewReducerFromConfig(state.Config, options...)
	if err != nil {
		return nil, err
	}
	atomic.StoreUint64(&r.round, state.Round)
	return r, nil
}
