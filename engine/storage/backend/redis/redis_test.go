package storageredis

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/common"
)

func TestRedisEntityStorage(t *testing.T) {
	es, err := OpenRedis("redis://127.0.0.1:6379", 0)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer es.Close()

	eid := common.GenEntityID()
	data, err := es.Read("StorageTestEntity", eid)
	assert.Equal(t, nil, err)
	assert.T(t, data == nil)

	assert.Equal(t, nil, es.Write("StorageTestEntity", eid, map[string]interface{}{"hp": 100, "name": "walker"}))
	data, err = es.Read("StorageTestEntity", eid)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(100), data["hp"])
	assert.Equal(t, "walker", data["name"])

	exists, err := es.Exists("StorageTestEntity", eid)
	assert.Equal(t, nil, err)
	assert.T(t, exists)

	eids, err := es.List("StorageTestEntity")
	assert.Equal(t, nil, err)
	found := false
	for _, id := range eids {
		found = found || id == eid
	}
	assert.T(t, found)
}
