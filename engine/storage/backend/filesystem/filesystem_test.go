package storagefilesystem

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/common"
)

func TestFileSystemEntityStorage(t *testing.T) {
	dir, err := ioutil.TempDir("", "cellworld_storage")
	assert.Equal(t, nil, err)
	defer os.RemoveAll(dir)

	es, err := OpenDirectory(dir)
	assert.Equal(t, nil, err)
	defer es.Close()

	entityID := common.GenEntityID()
	data, err := es.Read("Walker", entityID)
	assert.Equal(t, nil, err)
	assert.T(t, data == nil)
	exists, err := es.Exists("Walker", entityID)
	assert.Equal(t, nil, err)
	assert.T(t, !exists)

	testData := map[string]interface{}{
		"a": 1,
		"b": "2",
		"c": true,
		"d": 1.5,
		"e": []interface{}{1, 2.5},
	}
	assert.Equal(t, nil, es.Write("Walker", entityID, testData))
	assert.Equal(t, nil, es.Write("Other", common.GenEntityID(), testData))

	verifyData, err := es.Read("Walker", entityID)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), verifyData["a"])
	assert.Equal(t, "2", verifyData["b"])
	assert.Equal(t, true, verifyData["c"])
	assert.Equal(t, 1.5, verifyData["d"])
	assert.Equal(t, []interface{}{int64(1), 2.5}, verifyData["e"])

	exists, err = es.Exists("Walker", entityID)
	assert.Equal(t, nil, err)
	assert.T(t, exists)

	ids, err := es.List("Walker")
	assert.Equal(t, nil, err)
	assert.Equal(t, []common.EntityID{entityID}, ids)
}
