package storagemongodb

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/common"
	"gopkg.in/mgo.v2/bson"
)

func TestConvertM2Map(t *testing.T) {
	m := convertM2Map(bson.M{
		"pos":   []interface{}{bson.M{"x": 1.5}},
		"inner": bson.M{"hp": 3},
	})
	inner, ok := m["inner"].(map[string]interface{})
	assert.T(t, ok)
	assert.Equal(t, 3, inner["hp"])
	_, ok = m["pos"].([]interface{})[0].(map[string]interface{})
	assert.T(t, ok)
}

func TestMongoDBEntityStorage(t *testing.T) {
	es, err := OpenMongoDB("mongodb://127.0.0.1:27017/cellworld_test?connect=direct&timeout=1s", "cellworld_test")
	if err != nil {
		t.Skipf("mongodb not available: %v", err)
	}
	defer es.Close()

	eid := common.GenEntityID()
	data, err := es.Read("StorageTestEntity", eid)
	assert.Equal(t, nil, err)
	assert.T(t, data == nil)

	assert.Equal(t, nil, es.Write("StorageTestEntity", eid, map[string]interface{}{"hp": 100}))
	data, err = es.Read("StorageTestEntity", eid)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(100), data["hp"])

	exists, err := es.Exists("StorageTestEntity", eid)
	assert.Equal(t, nil, err)
	assert.T(t, exists)
}
