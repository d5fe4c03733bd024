// Package storagecommon defines the interface of entity storage backends
package storagecommon

import (
	"github.com/xiaonanln/cellworld/engine/common"
)

// EntityStorage defines the interface of entity storage backends
//
// Read returns nil data and nil error if the entity was never saved.
type EntityStorage interface {
	List(typeName string) ([]common.EntityID, error)
	Write(typeName string, entityID common.EntityID, data map[string]interface{}) error
	Read(typeName string, entityID common.EntityID) (map[string]interface{}, error)
	Exists(typeName string, entityID common.EntityID) (bool, error)
	Close()
	IsEOF(err error) bool
}
