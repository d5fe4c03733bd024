// Package storage runs entity persistence on a dedicated goroutine
//
// Requests are queued by the tick goroutine and served in order by the storage
// routine; callbacks are posted back to the owner's post.Queue so that they run
// on the tick goroutine.
package storage

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/post"
	"github.com/xiaonanln/cellworld/engine/storage/backend/filesystem"
	"github.com/xiaonanln/cellworld/engine/storage/backend/mongodb"
	"github.com/xiaonanln/cellworld/engine/storage/backend/redis"
	"github.com/xiaonanln/cellworld/engine/storage/backend/rediscluster"
	"github.com/xiaonanln/cellworld/engine/storage/storagecommon"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/typeconv"
)

const (
	_MAX_SAVE_ATTEMPTS   = 3
	_RETRY_INTERVAL      = 100 * time.Millisecond
	_LIST_WARN_THRESHOLD = time.Second
)

// ErrShutdown is passed to callbacks of requests issued after Shutdown
var ErrShutdown = errors.New("storage is shut down")

// OpenFunc opens the storage backend; it is called again after the backend reports EOF
type OpenFunc func() (storagecommon.EntityStorage, error)

type saveRequest struct {
	TypeName string
	EntityID common.EntityID
	Data     map[string]interface{}
	Callback SaveCallbackFunc
}

type loadRequest struct {
	TypeName string
	EntityID common.EntityID
	Callback LoadCallbackFunc
}

type existsRequest struct {
	TypeName string
	EntityID common.EntityID
	Callback ExistsCallbackFunc
}

type listRequest struct {
	TypeName string
	Callback ListCallbackFunc
}

// SaveCallbackFunc is the callback type of Save
type SaveCallbackFunc func(err error)

// LoadCallbackFunc is the callback type of Load; state is nil if the entity was never saved
type LoadCallbackFunc func(state *entity.State, err error)

// ExistsCallbackFunc is the callback type of Exists
type ExistsCallbackFunc func(exists bool, err error)

// ListCallbackFunc is the callback type of List
type ListCallbackFunc func([]common.EntityID, error)

// Storage is an asynchronous entity store
type Storage struct {
	name       string
	open       OpenFunc
	backend    storagecommon.EntityStorage
	queue      *xnsyncutil.SyncQueue
	terminated *xnsyncutil.OneTimeCond
	closed     xnsyncutil.AtomicBool
	post       *post.Queue

	recentWarnedQueueLen int
}

// Open creates the storage described by cfg, or returns nil if persistence is disabled
func Open(cfg *config.StorageConfig, postQueue *post.Queue) (*Storage, error) {
	var open OpenFunc
	switch cfg.Type {
	case "none":
		return nil, nil
	case "filesystem":
		open = func() (storagecommon.EntityStorage, error) {
			return storagefilesystem.OpenDirectory(cfg.Directory)
		}
	case "mongodb":
		open = func() (storagecommon.EntityStorage, error) {
			return storagemongodb.OpenMongoDB(cfg.Url, cfg.DB)
		}
	case "redis":
		dbindex, err := strconv.Atoi(cfg.DB)
		if err != nil {
			return nil, errors.Wrap(err, "redis db must be integer")
		}
		open = func() (storagecommon.EntityStorage, error) {
			return storageredis.OpenRedis(cfg.Url, dbindex)
		}
	case "redis_cluster":
		startNodes := cfg.StartNodes.ToList()
		open = func() (storagecommon.EntityStorage, error) {
			return storagerediscluster.OpenRedisCluster(startNodes)
		}
	default:
		return nil, errors.Errorf("unknown storage type: %s", cfg.Type)
	}

	return New(cfg.Type, open, postQueue)
}

// New opens the backend and starts the storage routine
func New(name string, open OpenFunc, postQueue *post.Queue) (*Storage, error) {
	backend, err := open()
	if err != nil {
		return nil, errors.Wrapf(err, "open %s storage", name)
	}

	s := &Storage{
		name:       name,
		open:       open,
		backend:    backend,
		queue:      xnsyncutil.NewSyncQueue(),
		terminated: xnsyncutil.NewOneTimeCond(),
		post:       postQueue,
	}
	go s.routine()
	gwlog.Infof("Storage %s is ready", name)
	return s, nil
}

// Save writes the state of an entity
func (s *Storage) Save(typeName string, entityID common.EntityID, state entity.State, callback SaveCallbackFunc) {
	if s.isClosed(func() {
		if callback != nil {
			callback(ErrShutdown)
		}
	}) {
		return
	}
	s.push(saveRequest{
		TypeName: typeName,
		EntityID: entityID,
		Data:     StateToData(state),
		Callback: callback,
	})
}

// Load reads the saved state of an entity
func (s *Storage) Load(typeName string, entityID common.EntityID, callback LoadCallbackFunc) {
	if s.isClosed(func() { callback(nil, ErrShutdown) }) {
		return
	}
	s.push(loadRequest{
		TypeName: typeName,
		EntityID: entityID,
		Callback: callback,
	})
}

// Exists checks if an entity has been saved
func (s *Storage) Exists(typeName string, entityID common.EntityID, callback ExistsCallbackFunc) {
	if s.isClosed(func() { callback(false, ErrShutdown) }) {
		return
	}
	s.push(existsRequest{
		TypeName: typeName,
		EntityID: entityID,
		Callback: callback,
	})
}

// List returns the IDs of all saved entities of a type
func (s *Storage) List(typeName string, callback ListCallbackFunc) {
	if s.isClosed(func() { callback(nil, ErrShutdown) }) {
		return
	}
	s.push(listRequest{
		TypeName: typeName,
		Callback: callback,
	})
}

// QueueLen returns the number of requests not yet served
func (s *Storage) QueueLen() int {
	return s.queue.Len()
}

// Shutdown serves all queued requests and closes the backend
func (s *Storage) Shutdown() {
	if s.closed.Load() {
		return
	}
	s.closed.Store(true)
	s.queue.Close()
	s.terminated.Wait()
	gwlog.Infof("Storage %s is shut down", s.name)
}

func (s *Storage) isClosed(reject func()) bool {
	if !s.closed.Load() {
		return false
	}
	s.post.Post(reject)
	return true
}

func (s *Storage) push(req interface{}) {
	s.queue.Push(req)
	qlen := s.queue.Len()
	if qlen > 100 && qlen%100 == 0 && s.recentWarnedQueueLen != qlen {
		gwlog.Warnf("Storage %s: operation queue length = %d", s.name, qlen)
		s.recentWarnedQueueLen = qlen
	}
}

func (s *Storage) assureBackend() error {
	if s.backend != nil {
		return nil
	}
	backend, err := s.open()
	if err != nil {
		return err
	}
	s.backend = backend
	gwlog.Infof("Storage %s: reconnected", s.name)
	return nil
}

func (s *Storage) checkEOF(err error) {
	if err != nil && s.backend != nil && s.backend.IsEOF(err) {
		s.backend.Close()
		s.backend = nil
	}
}

func (s *Storage) routine() {
	defer func() {
		err := recover()
		if err != nil {
			gwlog.TraceError("storage %s routine paniced: %s, restarting ...", s.name, err)
			go s.routine()
		} else {
			if s.backend != nil {
				s.backend.Close()
			}
			s.terminated.Signal()
		}
	}()

	for {
		op := s.queue.Pop()
		if op == nil { // queue closed
			break
		}

		switch req := op.(type) {
		case saveRequest:
			s.serveSave(req)
		case loadRequest:
			s.serveLoad(req)
		case existsRequest:
			monop := opmon.StartOperation("storage.exists")
			var exists bool
			err := s.assureBackend()
			if err == nil {
				exists, err = s.backend.Exists(req.TypeName, req.EntityID)
				s.checkEOF(err)
			}
			monop.Finish(consts.STORAGE_OPERATION_WARN_THRESHOLD)
			s.post.Post(func() {
				req.Callback(exists, err)
			})
		case listRequest:
			monop := opmon.StartOperation("storage.list")
			var eids []common.EntityID
			err := s.assureBackend()
			if err == nil {
				eids, err = s.backend.List(req.TypeName)
				s.checkEOF(err)
			}
			if err != nil {
				gwlog.Errorf("storage %s: list %s failed: %s", s.name, req.TypeName, err)
			}
			monop.Finish(_LIST_WARN_THRESHOLD)
			s.post.Post(func() {
				req.Callback(eids, err)
			})
		default:
			gwlog.Panicf("storage: unknown operation: %v", op)
		}
	}
}

func (s *Storage) serveSave(req saveRequest) {
	monop := opmon.StartOperation("storage.save")
	var err error
	for attempt := 1; attempt <= _MAX_SAVE_ATTEMPTS; attempt++ {
		if consts.DEBUG_SAVE_LOAD {
			gwlog.Debugf("storage %s: SAVING %s %s (attempt %d) ...", s.name, req.TypeName, req.EntityID, attempt)
		}
		if err = s.assureBackend(); err == nil {
			err = s.backend.Write(req.TypeName, req.EntityID, req.Data)
			s.checkEOF(err)
		}
		if err == nil {
			break
		}
		gwlog.Errorf("storage %s: save %s %s failed: %s", s.name, req.TypeName, req.EntityID, err)
		if attempt < _MAX_SAVE_ATTEMPTS {
			time.Sleep(_RETRY_INTERVAL)
		}
	}
	monop.Finish(consts.STORAGE_OPERATION_WARN_THRESHOLD)
	if req.Callback != nil {
		s.post.Post(func() {
			req.Callback(err)
		})
	}
}

func (s *Storage) serveLoad(req loadRequest) {
	if consts.DEBUG_SAVE_LOAD {
		gwlog.Debugf("storage %s: LOADING %s %s ...", s.name, req.TypeName, req.EntityID)
	}
	monop := opmon.StartOperation("storage.load")
	var data map[string]interface{}
	err := s.assureBackend()
	if err == nil {
		data, err = s.backend.Read(req.TypeName, req.EntityID)
		s.checkEOF(err)
	}
	monop.Finish(consts.STORAGE_OPERATION_WARN_THRESHOLD)

	var state *entity.State
	if err != nil {
		gwlog.TraceError("storage %s: load %s %s failed: %s", s.name, req.TypeName, req.EntityID, err)
	} else if data != nil {
		st := DataToState(req.TypeName, data)
		state = &st
	}
	s.post.Post(func() {
		req.Callback(state, err)
	})
}

// StateToData converts entity state to the document saved by backends
func StateToData(state entity.State) map[string]interface{} {
	props := state.Props
	if props == nil {
		props = map[string]interface{}{}
	}
	return map[string]interface{}{
		"space": int64(state.SpaceID),
		"x":     float64(state.Position.X),
		"y":     float64(state.Position.Y),
		"z":     float64(state.Position.Z),
		"yaw":   float64(state.Yaw),
		"props": props,
	}
}

// DataToState converts a saved document back to entity state
func DataToState(typeName string, data map[string]interface{}) entity.State {
	state := entity.State{
		TypeName: typeName,
		SpaceID:  common.SpaceID(typeconv.Int(data["space"])),
		Position: entity.Vector3{
			X: entity.Coord(toFloat(data["x"])),
			Y: entity.Coord(toFloat(data["y"])),
			Z: entity.Coord(toFloat(data["z"])),
		},
		Yaw:   entity.Yaw(toFloat(data["yaw"])),
		Props: map[string]interface{}{},
	}
	if props, ok := data["props"].(map[string]interface{}); ok {
		state.Props = entity.NormalizeProps(props)
	}
	return state
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case float32:
		return float64(f)
	case nil:
		return 0
	}
	return float64(typeconv.Int(v))
}
