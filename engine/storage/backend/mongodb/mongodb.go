// Package storagemongodb stores entities in one mongodb collection per entity type
package storagemongodb

import (
	"io"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/storage/storagecommon"
	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

const (
	_DEFAULT_DB_NAME = "cellworld"
)

type mongoDBEntityStorage struct {
	db *mgo.Database
}

// OpenMongoDB opens mongodb as entity storage
func OpenMongoDB(url string, dbname string) (storagecommon.EntityStorage, error) {
	gwlog.Debugf("Connecting MongoDB %s ...", url)
	session, err := mgo.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "mongodb dial failed")
	}

	session.SetMode(mgo.Monotonic, true)
	if dbname == "" {
		dbname = _DEFAULT_DB_NAME
	}
	return &mongoDBEntityStorage{
		db: session.DB(dbname),
	}, nil
}

func (es *mongoDBEntityStorage) getCollection(typeName string) *mgo.Collection {
	return es.db.C(typeName)
}

func (es *mongoDBEntityStorage) Write(typeName string, entityID common.EntityID, data map[string]interface{}) error {
	_, err := es.getCollection(typeName).UpsertId(string(entityID), bson.M{
		"data": data,
	})
	return err
}

func (es *mongoDBEntityStorage) Read(typeName string, entityID common.EntityID) (map[string]interface{}, error) {
	var doc bson.M
	err := es.getCollection(typeName).FindId(string(entityID)).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	data, ok := doc["data"].(bson.M)
	if !ok {
		return nil, errors.Errorf("%s %s: bad document", typeName, entityID)
	}
	return entity.NormalizeProps(convertM2Map(data)), nil
}

func convertM2Map(m bson.M) map[string]interface{} {
	ma := map[string]interface{}(m)
	for k, v := range ma {
		ma[k] = convertM(v)
	}
	return ma
}

func convertM(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		return convertM2Map(val)
	case map[string]interface{}:
		for k, item := range val {
			val[k] = convertM(item)
		}
	case []interface{}:
		for i, item := range val {
			val[i] = convertM(item)
		}
	}
	return v
}

func (es *mongoDBEntityStorage) List(typeName string) ([]common.EntityID, error) {
	var docs []bson.M
	err := es.getCollection(typeName).Find(nil).Select(bson.M{"_id": 1}).All(&docs)
	if err != nil {
		return nil, err
	}

	entityIDs := make([]common.EntityID, len(docs))
	for i, doc := range docs {
		entityIDs[i] = common.EntityID(doc["_id"].(string))
	}
	return entityIDs, nil
}

func (es *mongoDBEntityStorage) Exists(typeName string, entityID common.EntityID) (bool, error) {
	n, err := es.getCollection(typeName).FindId(string(entityID)).Count()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (es *mongoDBEntityStorage) Close() {
	es.db.Session.Close()
}

func (es *mongoDBEntityStorage) IsEOF(err error) bool {
	err = errors.Cause(err)
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
