package entity

import "github.com/pkg/errors"

var (
	// ErrDuplicateAuthority is returned when a second real instance of an entity would exist on this cellapp
	ErrDuplicateAuthority = errors.New("duplicate authority")
	// ErrNoSuchGhost is returned when promoting an entity that has no ghost here
	ErrNoSuchGhost = errors.New("no such ghost")
	// ErrNoSuchReal is returned when demoting an entity that has no real here
	ErrNoSuchReal = errors.New("no such real")
	// ErrGhostExists is returned when registering a ghost twice
	ErrGhostExists = errors.New("ghost already exists")
)
