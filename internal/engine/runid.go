package engine

import "github.com/google/uuid"

// RunIDGenerator names runs. Production engines use UUIDv7Generator; tests
// use testutil.FixedRunID.
type RunIDGenerator interface {
	Generate() string
}

// UUIDv7Generator hands out UUIDv7 run IDs. They sort by start time, which
// is the order `provenance runs` lists them in.
type UUIDv7Generator struct{}

func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
