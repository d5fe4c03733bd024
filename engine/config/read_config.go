package config

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

const (
	_DEFAULT_CONFIG_FILE  = "cellworld.ini"
	_DEFAULT_LOCALHOST_IP = "127.0.0.1"
	_DEFAULT_HTTP_IP      = "127.0.0.1"
	_DEFAULT_LOG_LEVEL    = "debug"
	_DEFAULT_STORAGE_DB   = "cellworld"
)

var (
	configFilePath  = _DEFAULT_CONFIG_FILE
	cellWorldConfig *CellWorldConfig
	configLock      sync.Mutex
)

// CellAppConfig defines fields of cellapp config
type CellAppConfig struct {
	Addr      string
	Transport string // tcp or kcp
	// CompressConnection enables snappy on peer links; every cellapp must agree on it
	CompressConnection bool
	LogFile            string
	LogStderr          bool
	HTTPIp             string
	HTTPPort           int
	LogLevel           string
	GoMaxProcs         int
}

// SimulationConfig defines fields of the tick loop and the ghosting rules
type SimulationConfig struct {
	TickHz                    int
	MaxDrainPerTick           int
	InboundQueueSize          int
	GhostDistance             float32
	GhostHysteresis           float32
	MinGhostLifespanTicks     uint64
	MaxGhostsToDelete         int
	HandoffTimeoutTicks       uint64
	HandoffMaxRetries         int
	HandoffCooldownTicks      uint64
	CheckpointIntervalTicks   uint64
	SnapshotCompressThreshold int
}

// TickInterval returns the fixed tick budget
func (sc *SimulationConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(sc.TickHz)
}

// ThrottleConfig defines the emergency throttle parameters
type ThrottleConfig struct {
	SmoothingBias  float64
	BackTrigger    float64
	BackStep       float64
	ForwardTrigger float64
	ForwardStep    float64
	MinThrottle    float64
}

// Rect is a cell region on the XZ plane
type Rect struct {
	MinX, MinZ, MaxX, MaxZ float32
}

// CellConfig defines one cell of a space
type CellConfig struct {
	CellID    common.CellID
	SpaceID   common.SpaceID
	CellAppID int
	Rect      Rect
}

// StorageConfig defines fields of storage config
type StorageConfig struct {
	Type       string // Type of storage (filesystem, mongodb, redis, redis_cluster)
	Directory  string // Directory of filesystem storage (filesystem)
	Url        string // Connection URL (mongodb, redis)
	DB         string // Database name (mongodb, redis)
	StartNodes common.StringSet
}

// CellWorldConfig defines the total config file structure
type CellWorldConfig struct {
	CellAppCommon CellAppConfig
	CellApps      map[int]*CellAppConfig
	Simulation    SimulationConfig
	Throttle      ThrottleConfig
	Cells         []CellConfig
	Storage       StorageConfig
}

// SetConfigFile sets the config file path (cellworld.ini by default)
func SetConfigFile(f string) {
	configFilePath = f
}

// GetConfigDir returns the directory of cellworld.ini
func GetConfigDir() string {
	dir, _ := path.Split(configFilePath)
	return dir
}

// GetConfigFilePath returns the config file path
func GetConfigFilePath() string {
	return configFilePath
}

// Get returns the total config
func Get() *CellWorldConfig {
	configLock.Lock()
	defer configLock.Unlock()
	if cellWorldConfig == nil {
		cfg, err := LoadFile(configFilePath)
		checkConfigError(err, "")
		cellWorldConfig = cfg
	}
	return cellWorldConfig
}

// Reload forces the whole config to be read again
func Reload() *CellWorldConfig {
	configLock.Lock()
	cellWorldConfig = nil
	configLock.Unlock()

	return Get()
}

// GetCellApp gets the cellapp config of specified cellapp ID
func GetCellApp(cellappid uint16) *CellAppConfig {
	return Get().CellApps[int(cellappid)]
}

// GetCellAppIDs returns all cellapp IDs
func GetCellAppIDs() []uint16 {
	cfg := Get()
	ids := make([]int, 0, len(cfg.CellApps))
	for id := range cfg.CellApps {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	res := make([]uint16, len(ids))
	for i, id := range ids {
		res[i] = uint16(id)
	}
	return res
}

// GetSimulation returns the simulation config
func GetSimulation() *SimulationConfig {
	return &Get().Simulation
}

// GetThrottle returns the throttle config
func GetThrottle() *ThrottleConfig {
	return &Get().Throttle
}

// GetStorage returns the storage config
func GetStorage() *StorageConfig {
	return &Get().Storage
}

// DumpPretty format config to string in pretty format
func DumpPretty(cfg interface{}) string {
	s, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err.Error()
	}
	return string(s)
}

// LoadFile reads a config file without touching the global config
func LoadFile(filePath string) (*CellWorldConfig, error) {
	gwlog.Infof("Using config file: %s", filePath)
	iniFile, err := ini.Load(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", filePath)
	}
	return readCellWorldConfig(iniFile)
}

// LoadData reads config from ini source data
func LoadData(data []byte) (*CellWorldConfig, error) {
	iniFile, err := ini.Load(data)
	if err != nil {
		return nil, errors.Wrap(err, "load config data")
	}
	return readCellWorldConfig(iniFile)
}

func readCellWorldConfig(iniFile *ini.File) (cfg *CellWorldConfig, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("%v", r)
			cfg = nil
		}
	}()

	config := CellWorldConfig{
		CellApps: map[int]*CellAppConfig{},
	}
	readCellAppCommonConfig(iniFile.Section("cellapp_common"), &config.CellAppCommon)
	readSimulationConfig(iniFile.Section("simulation"), &config.Simulation)
	readThrottleConfig(iniFile.Section("throttle"), &config.Throttle)
	readStorageConfig(iniFile.Section("storage"), &config.Storage)

	for _, sec := range iniFile.Sections() {
		secName := strings.ToLower(sec.Name())
		if secName == "default" {
			continue
		}

		if secName == "cellapp_common" || secName == "simulation" || secName == "throttle" || secName == "storage" {
			// read above
		} else if len(secName) > 7 && secName[:7] == "cellapp" {
			id, err := strconv.Atoi(secName[7:])
			checkConfigError(err, fmt.Sprintf("invalid cellapp name: %s", secName))
			config.CellApps[id] = readCellAppConfig(sec, &config.CellAppCommon)
		} else if len(secName) > 5 && secName[:5] == "space" {
			id, err := strconv.Atoi(secName[5:])
			checkConfigError(err, fmt.Sprintf("invalid space name: %s", secName))
			config.Cells = append(config.Cells, readSpaceConfig(sec, common.SpaceID(id))...)
		} else {
			gwlog.Errorf("unknown section: %s", secName)
		}
	}

	sort.Slice(config.Cells, func(i, j int) bool {
		return config.Cells[i].CellID < config.Cells[j].CellID
	})
	validateConfig(&config)
	return &config, nil
}

func readCellAppCommonConfig(section *ini.Section, cc *CellAppConfig) {
	cc.Transport = "tcp"
	cc.LogFile = "cellapp.log"
	cc.LogStderr = true
	cc.LogLevel = _DEFAULT_LOG_LEVEL
	cc.HTTPIp = _DEFAULT_HTTP_IP
	cc.HTTPPort = 0 // debug http not enabled by default
	cc.GoMaxProcs = 0

	_readCellAppConfig(section, cc)
}

func readCellAppConfig(sec *ini.Section, cellAppCommonConfig *CellAppConfig) *CellAppConfig {
	var cc CellAppConfig = *cellAppCommonConfig // copy from cellapp_common
	_readCellAppConfig(sec, &cc)
	if cc.Addr == "" {
		gwlog.Panicf("addr is not set in %s", sec.Name())
	}
	if cc.Transport != "tcp" && cc.Transport != "kcp" {
		gwlog.Panicf("%s: unknown transport %s", sec.Name(), cc.Transport)
	}
	return &cc
}

func _readCellAppConfig(sec *ini.Section, cc *CellAppConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "addr" {
			cc.Addr = key.MustString(cc.Addr)
		} else if name == "transport" {
			cc.Transport = strings.ToLower(key.MustString(cc.Transport))
		} else if name == "compress_connection" {
			cc.CompressConnection = key.MustBool(cc.CompressConnection)
		} else if name == "log_file" {
			cc.LogFile = key.MustString(cc.LogFile)
		} else if name == "log_stderr" {
			cc.LogStderr = key.MustBool(cc.LogStderr)
		} else if name == "http_ip" {
			cc.HTTPIp = key.MustString(cc.HTTPIp)
		} else if name == "http_port" {
			cc.HTTPPort = key.MustInt(cc.HTTPPort)
		} else if name == "log_level" {
			cc.LogLevel = key.MustString(cc.LogLevel)
		} else if name == "gomaxprocs" {
			cc.GoMaxProcs = key.MustInt(cc.GoMaxProcs)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readSimulationConfig(sec *ini.Section, sc *SimulationConfig) {
	sc.TickHz = 10
	sc.MaxDrainPerTick = 2000
	sc.InboundQueueSize = 10000
	sc.GhostDistance = 50
	sc.GhostHysteresis = 10
	sc.MinGhostLifespanTicks = 50
	sc.MaxGhostsToDelete = 100
	sc.HandoffTimeoutTicks = 10
	sc.HandoffMaxRetries = 5
	sc.HandoffCooldownTicks = 20
	sc.CheckpointIntervalTicks = 3000
	sc.SnapshotCompressThreshold = 1024

	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "tick_hz" {
			sc.TickHz = key.MustInt(sc.TickHz)
		} else if name == "max_drain_per_tick" {
			sc.MaxDrainPerTick = key.MustInt(sc.MaxDrainPerTick)
		} else if name == "inbound_queue_size" {
			sc.InboundQueueSize = key.MustInt(sc.InboundQueueSize)
		} else if name == "ghost_distance" {
			sc.GhostDistance = float32(key.MustFloat64(float64(sc.GhostDistance)))
		} else if name == "ghost_hysteresis" {
			sc.GhostHysteresis = float32(key.MustFloat64(float64(sc.GhostHysteresis)))
		} else if name == "min_ghost_lifespan_ticks" {
			sc.MinGhostLifespanTicks = key.MustUint64(sc.MinGhostLifespanTicks)
		} else if name == "max_ghosts_to_delete" {
			sc.MaxGhostsToDelete = key.MustInt(sc.MaxGhostsToDelete)
		} else if name == "handoff_timeout_ticks" {
			sc.HandoffTimeoutTicks = key.MustUint64(sc.HandoffTimeoutTicks)
		} else if name == "handoff_max_retries" {
			sc.HandoffMaxRetries = key.MustInt(sc.HandoffMaxRetries)
		} else if name == "handoff_cooldown_ticks" {
			sc.HandoffCooldownTicks = key.MustUint64(sc.HandoffCooldownTicks)
		} else if name == "checkpoint_interval_ticks" {
			sc.CheckpointIntervalTicks = key.MustUint64(sc.CheckpointIntervalTicks)
		} else if name == "snapshot_compress_threshold" {
			sc.SnapshotCompressThreshold = key.MustInt(sc.SnapshotCompressThreshold)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}

	if sc.TickHz <= 0 {
		gwlog.Panicf("tick_hz must be positive: %d", sc.TickHz)
	}
	if sc.MaxDrainPerTick <= 0 {
		gwlog.Panicf("max_drain_per_tick must be positive: %d", sc.MaxDrainPerTick)
	}
	if sc.HandoffTimeoutTicks == 0 {
		gwlog.Panicf("handoff_timeout_ticks must be positive")
	}
}

func readThrottleConfig(sec *ini.Section, tc *ThrottleConfig) {
	tc.SmoothingBias = 0.9
	tc.BackTrigger = 0.0
	tc.BackStep = 0.5
	tc.ForwardTrigger = 0.2
	tc.ForwardStep = 0.05
	tc.MinThrottle = 0.1

	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "smoothing_bias" {
			tc.SmoothingBias = key.MustFloat64(tc.SmoothingBias)
		} else if name == "back_trigger" {
			tc.BackTrigger = key.MustFloat64(tc.BackTrigger)
		} else if name == "back_step" {
			tc.BackStep = key.MustFloat64(tc.BackStep)
		} else if name == "forward_trigger" {
			tc.ForwardTrigger = key.MustFloat64(tc.ForwardTrigger)
		} else if name == "forward_step" {
			tc.ForwardStep = key.MustFloat64(tc.ForwardStep)
		} else if name == "min_throttle" {
			tc.MinThrottle = key.MustFloat64(tc.MinThrottle)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}

	if tc.SmoothingBias < 0 || tc.SmoothingBias >= 1 {
		gwlog.Panicf("smoothing_bias must be in [0, 1): %v", tc.SmoothingBias)
	}
	if tc.MinThrottle <= 0 || tc.MinThrottle > 1 {
		gwlog.Panicf("min_throttle must be in (0, 1]: %v", tc.MinThrottle)
	}
	if tc.BackTrigger >= tc.ForwardTrigger {
		gwlog.Panicf("back_trigger %v must be less than forward_trigger %v", tc.BackTrigger, tc.ForwardTrigger)
	}
}

// readSpaceConfig parses keys like: cell3 = 1 0 0 100 100 (cellappid minx minz maxx maxz)
func readSpaceConfig(sec *ini.Section, spaceID common.SpaceID) []CellConfig {
	var cells []CellConfig
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if len(name) <= 4 || name[:4] != "cell" {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
		cellID, err := strconv.Atoi(name[4:])
		checkConfigError(err, fmt.Sprintf("invalid cell name: %s", name))

		fields := strings.Fields(key.String())
		if len(fields) != 5 {
			gwlog.Panicf("%s.%s: expect <cellappid> <minx> <minz> <maxx> <maxz>, got %q", sec.Name(), key.Name(), key.String())
		}
		cellAppID, err := strconv.Atoi(fields[0])
		checkConfigError(err, fmt.Sprintf("invalid cellapp id: %s", fields[0]))

		var bounds [4]float32
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseFloat(fields[i+1], 32)
			checkConfigError(err, fmt.Sprintf("invalid bound %s of %s", fields[i+1], name))
			bounds[i] = float32(v)
		}
		rect := Rect{MinX: bounds[0], MinZ: bounds[1], MaxX: bounds[2], MaxZ: bounds[3]}
		if rect.MinX >= rect.MaxX || rect.MinZ >= rect.MaxZ {
			gwlog.Panicf("%s.%s: empty rect %v", sec.Name(), key.Name(), rect)
		}
		cells = append(cells, CellConfig{
			CellID:    common.CellID(cellID),
			SpaceID:   spaceID,
			CellAppID: cellAppID,
			Rect:      rect,
		})
	}
	return cells
}

func readStorageConfig(sec *ini.Section, config *StorageConfig) {
	// setup default values
	config.Type = "filesystem"
	config.Directory = "_entity_storage"
	config.DB = _DEFAULT_STORAGE_DB
	config.Url = ""
	config.StartNodes = common.StringSet{}

	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "type" {
			config.Type = key.MustString(config.Type)
		} else if name == "directory" {
			config.Directory = key.MustString(config.Directory)
		} else if name == "url" {
			config.Url = key.MustString(config.Url)
		} else if name == "db" {
			config.DB = key.MustString(config.DB)
		} else if strings.HasPrefix(name, "start_nodes_") {
			config.StartNodes.Add(key.MustString(""))
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}

	if config.Type == "redis" {
		if config.DB == "" || config.DB == _DEFAULT_STORAGE_DB {
			config.DB = "0"
		}
	}

	validateStorageConfig(config)
}

func checkConfigError(err error, msg string) {
	if err != nil {
		if msg == "" {
			msg = err.Error()
		}
		gwlog.Panicf("read config error: %s", msg)
	}
}

func validateStorageConfig(config *StorageConfig) {
	if config.Type == "filesystem" {
		if config.Directory == "" {
			gwlog.Panicf("directory is not set in %s storage config", config.Type)
		}
	} else if config.Type == "mongodb" {
		if config.Url == "" {
			gwlog.Panicf("url is not set in %s storage config", config.Type)
		}
		if config.DB == "" {
			gwlog.Panicf("db is not set in %s storage config", config.Type)
		}
	} else if config.Type == "redis" {
		if config.Url == "" {
			gwlog.Panicf("url is not set in %s storage config", config.Type)
		}
		if _, err := strconv.Atoi(config.DB); err != nil {
			gwlog.Panic(errors.Wrap(err, "redis db must be integer"))
		}
	} else if config.Type == "redis_cluster" {
		if len(config.StartNodes) == 0 {
			gwlog.Panicf("must have at least 1 start_nodes for [storage].redis_cluster")
		}
		for s := range config.StartNodes {
			if s == "" {
				gwlog.Panicf("start_nodes must not be empty")
			}
		}
	} else if config.Type == "none" {
		// persistence disabled
	} else {
		gwlog.Panicf("unknown storage type: %s", config.Type)
	}
}

func validateConfig(config *CellWorldConfig) {
	seenCells := map[common.CellID]bool{}
	for _, cell := range config.Cells {
		if seenCells[cell.CellID] {
			gwlog.Panicf("cell %d is defined more than once", cell.CellID)
		}
		seenCells[cell.CellID] = true
		if _, ok := config.CellApps[cell.CellAppID]; !ok {
			gwlog.Panicf("cell %d is hosted by unknown cellapp %d", cell.CellID, cell.CellAppID)
		}
	}

	addrs := map[string]int{}
	for id, cc := range config.CellApps {
		if other, ok := addrs[cc.Addr]; ok {
			gwlog.Panicf("cellapp%d and cellapp%d share addr %s", other, id, cc.Addr)
		}
		addrs[cc.Addr] = id
	}
}
