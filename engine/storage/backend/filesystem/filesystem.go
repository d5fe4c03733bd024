// Package storagefilesystem stores every entity as one JSON file in a directory
package storagefilesystem

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/netutil"
	"github.com/xiaonanln/cellworld/engine/storage/storagecommon"
)

var dataPacker = netutil.JSONMsgPacker{}

type fileSystemEntityStorage struct {
	directory string
}

// OpenDirectory opens directory as entity storage, creating it if needed
func OpenDirectory(directory string) (storagecommon.EntityStorage, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, errors.Wrapf(err, "create storage directory %s", directory)
	}
	return &fileSystemEntityStorage{
		directory: directory,
	}, nil
}

func getFileName(typeName string, entityID common.EntityID) string {
	return typeName + "$" + base64.URLEncoding.EncodeToString([]byte(entityID))
}

func (es *fileSystemEntityStorage) getFilePath(typeName string, entityID common.EntityID) string {
	return filepath.Join(es.directory, getFileName(typeName, entityID))
}

func (es *fileSystemEntityStorage) Write(typeName string, entityID common.EntityID, data map[string]interface{}) error {
	saveFile := es.getFilePath(typeName, entityID)
	dataBytes, err := dataPacker.PackMsg(data, nil)
	if err != nil {
		return errors.Wrapf(err, "marshal %s %s", typeName, entityID)
	}

	if consts.DEBUG_SAVE_LOAD {
		gwlog.Debugf("Saving to file %s: %s", saveFile, string(dataBytes))
	}
	// write then rename, so a crash never leaves a truncated file
	tmpFile := saveFile + ".tmp"
	if err := ioutil.WriteFile(tmpFile, dataBytes, 0644); err != nil {
		return err
	}
	return os.Rename(tmpFile, saveFile)
}

func (es *fileSystemEntityStorage) Read(typeName string, entityID common.EntityID) (map[string]interface{}, error) {
	dataBytes, err := ioutil.ReadFile(es.getFilePath(typeName, entityID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(dataBytes))
	dec.UseNumber()
	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %s %s", typeName, entityID)
	}
	return convertNumbers(data).(map[string]interface{}), nil
}

// convertNumbers turns json.Number into int64 when possible and float64 otherwise
func convertNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]interface{}:
		for k, item := range val {
			val[k] = convertNumbers(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = convertNumbers(item)
		}
		return val
	}
	return v
}

func (es *fileSystemEntityStorage) Exists(typeName string, entityID common.EntityID) (bool, error) {
	_, err := os.Stat(es.getFilePath(typeName, entityID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (es *fileSystemEntityStorage) List(typeName string) ([]common.EntityID, error) {
	prefix := typeName + "$"
	files, err := filepath.Glob(filepath.Join(es.directory, prefix+"*"))
	if err != nil {
		return nil, err
	}
	res := make([]common.EntityID, 0, len(files))
	for _, fpath := range files {
		_, fn := filepath.Split(fpath)
		if strings.HasSuffix(fn, ".tmp") {
			continue
		}
		idbytes, err := base64.URLEncoding.DecodeString(fn[len(prefix):])
		if err != nil {
			gwlog.Errorf("storage: invalid file %s: %v", fpath, err)
			continue
		}
		res = append(res, common.EntityID(idbytes))
	}
	return res, nil
}

func (es *fileSystemEntityStorage) Close() {
}

func (es *fileSystemEntityStorage) IsEOF(err error) bool {
	return false
}
