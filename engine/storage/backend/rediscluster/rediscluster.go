// Package storagerediscluster stores entities as msgpack values in a redis cluster
package storagerediscluster

import (
	"io"
	"time"

	rediscluster "github.com/chasex/redis-go-cluster"
	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/netutil"
	"github.com/xiaonanln/cellworld/engine/storage/storagecommon"
)

var (
	dataPacker = netutil.MessagePackMsgPacker{}
)

// entity type -> id set, since SCAN does not span cluster nodes
const _INDEX_KEY_PREFIX = "$index$"

type redisClusterEntityStorage struct {
	c *rediscluster.Cluster
}

// OpenRedisCluster opens a redis cluster as entity storage
func OpenRedisCluster(startNodes []string) (storagecommon.EntityStorage, error) {
	c, err := rediscluster.NewCluster(&rediscluster.Options{
		StartNodes:   startNodes,
		ConnTimeout:  10 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		KeepAlive:    1,
		AliveTime:    10 * time.Minute,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect redis cluster failed")
	}

	return &redisClusterEntityStorage{
		c: c,
	}, nil
}

func entityKey(typeName string, eid common.EntityID) string {
	return typeName + "$" + string(eid)
}

func indexKey(typeName string) string {
	return _INDEX_KEY_PREFIX + typeName
}

func (es *redisClusterEntityStorage) List(typeName string) ([]common.EntityID, error) {
	ids, err := redis.Strings(es.c.Do("SMEMBERS", indexKey(typeName)))
	if err != nil {
		return nil, err
	}
	eids := make([]common.EntityID, len(ids))
	for i, id := range ids {
		eids[i] = common.EntityID(id)
	}
	return eids, nil
}

func (es *redisClusterEntityStorage) Write(typeName string, entityID common.EntityID, data map[string]interface{}) error {
	b, err := dataPacker.PackMsg(data, nil)
	if err != nil {
		return err
	}
	if _, err = es.c.Do("SET", entityKey(typeName, entityID), b); err != nil {
		return err
	}
	_, err = es.c.Do("SADD", indexKey(typeName), string(entityID))
	return err
}

func (es *redisClusterEntityStorage) Read(typeName string, entityID common.EntityID) (map[string]interface{}, error) {
	reply, err := es.c.Do("GET", entityKey(typeName, entityID))
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	b, err := redis.Bytes(reply, nil)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err = dataPacker.UnpackMsg(b, &data); err != nil {
		return nil, err
	}
	return entity.NormalizeProps(data), nil
}

func (es *redisClusterEntityStorage) Exists(typeName string, entityID common.EntityID) (bool, error) {
	return redis.Bool(es.c.Do("EXISTS", entityKey(typeName, entityID)))
}

func (es *redisClusterEntityStorage) Close() {
	es.c.Close()
}

func (es *redisClusterEntityStorage) IsEOF(err error) bool {
	err = errors.Cause(err)
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
