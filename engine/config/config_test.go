package config

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

func init() {
	SetConfigFile("../../cellworld.ini.sample")
}

func TestLoad(t *testing.T) {
	config := Get()
	gwlog.Debugf("cellworld config: \n%s", DumpPretty(config))
	if config == nil {
		t.FailNow()
	}

	assert.Equal(t, []uint16{1, 2}, GetCellAppIDs())
	cellapp1 := GetCellApp(1)
	assert.Equal(t, "127.0.0.1:15001", cellapp1.Addr)
	assert.Equal(t, "tcp", cellapp1.Transport)
	assert.Equal(t, true, cellapp1.CompressConnection)
	assert.Equal(t, 25001, cellapp1.HTTPPort)
	assert.Equal(t, "info", cellapp1.LogLevel)
	assert.Equal(t, "cellapp1.log", cellapp1.LogFile)

	sim := GetSimulation()
	assert.Equal(t, 10, sim.TickHz)
	assert.Equal(t, time.Millisecond*100, sim.TickInterval())
	assert.Equal(t, float32(50), sim.GhostDistance)
	assert.Equal(t, uint64(10), sim.HandoffTimeoutTicks)

	assert.Equal(t, 0.9, GetThrottle().SmoothingBias)
	assert.Equal(t, "filesystem", GetStorage().Type)

	assert.Equal(t, 2, len(config.Cells))
	assert.Equal(t, CellConfig{
		CellID:    2,
		SpaceID:   common.SpaceID(1),
		CellAppID: 2,
		Rect:      Rect{MinX: 500, MinZ: 0, MaxX: 1000, MaxZ: 1000},
	}, config.Cells[1])
}

func TestReload(t *testing.T) {
	config := Get()
	assert.T(t, config != Reload())
}

func TestLoadDataDefaults(t *testing.T) {
	cfg, err := LoadData([]byte(`
[cellapp1]
addr = 127.0.0.1:16001
`))
	assert.Equal(t, nil, err)
	assert.Equal(t, 10, cfg.Simulation.TickHz)
	assert.Equal(t, 0.1, cfg.Throttle.MinThrottle)
	assert.Equal(t, "tcp", cfg.CellApps[1].Transport)
	assert.Equal(t, false, cfg.CellApps[1].CompressConnection)
	assert.Equal(t, 0, len(cfg.Cells))
}

func TestLoadDataErrors(t *testing.T) {
	_, err := LoadData([]byte(`
[cellapp1]
addr = 127.0.0.1:16001
[space1]
cell1 = 2 0 0 10 10
`))
	assert.NotEqual(t, nil, err)

	_, err = LoadData([]byte(`
[cellapp1]
addr = 127.0.0.1:16001
[space1]
cell1 = 1 10 0 0 10
`))
	assert.NotEqual(t, nil, err)

	_, err = LoadData([]byte(`
[simulation]
unknown_key = 1
`))
	assert.NotEqual(t, nil, err)
}
