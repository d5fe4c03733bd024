package directory

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/config"
)

// LoadFromConfig adds every cell of the config, hosted by the cellapp named in the cell config
func (d *Directory) LoadFromConfig(cfg *config.CellWorldConfig) error {
	for _, cc := range cfg.Cells {
		cellapp := cfg.CellApps[cc.CellAppID]
		if cellapp == nil {
			return errors.Errorf("%s: cellapp%d not found", cc.CellID, cc.CellAppID)
		}
		err := d.AddCell(CellInfo{
			ID:      cc.CellID,
			SpaceID: cc.SpaceID,
			Rect:    Rect{MinX: cc.Rect.MinX, MinZ: cc.Rect.MinZ, MaxX: cc.Rect.MaxX, MaxZ: cc.Rect.MaxZ},
			Host:    common.Addr(cellapp.Addr),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
