package directory

import (
	"math"
	"sort"
	"sync"

	"github.com/petar/GoLLRB/llrb"
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

// CellInfo describes one cell and the cellapp hosting it
type CellInfo struct {
	ID      common.CellID
	SpaceID common.SpaceID
	Rect    Rect
	Host    common.Addr
}

type cellItem struct {
	cell *CellInfo
}

func (it *cellItem) Less(_other llrb.Item) bool {
	other := _other.(*cellItem)
	return it.cell.Rect.MinX < other.cell.Rect.MinX || (it.cell.Rect.MinX == other.cell.Rect.MinX && it.cell.ID < other.cell.ID)
}

// Space is a simulated world covered by a set of cells
//
// A Space exists as long as at least one cell references it.
type Space struct {
	ID    common.SpaceID
	index *llrb.LLRB // cells ordered by MinX
}

func newSpace(id common.SpaceID) *Space {
	return &Space{ID: id, index: llrb.New()}
}

// NumCells returns the number of cells covering the space
func (space *Space) NumCells() int {
	return space.index.Len()
}

// Cells returns cells of the space ordered by ID
func (space *Space) Cells() []*CellInfo {
	cells := make([]*CellInfo, 0, space.index.Len())
	space.index.AscendGreaterOrEqual(space.minItem(), func(i llrb.Item) bool {
		cells = append(cells, i.(*cellItem).cell)
		return true
	})
	sortCells(cells)
	return cells
}

func (space *Space) minItem() *cellItem {
	return &cellItem{&CellInfo{Rect: Rect{MinX: -math.MaxFloat32}}}
}

// visitLeftOf visits cells with MinX <= x
func (space *Space) visitLeftOf(x float32, f func(cell *CellInfo) bool) {
	pivot := &cellItem{&CellInfo{ID: math.MaxUint32, Rect: Rect{MinX: x}}}
	space.index.AscendLessThan(pivot, func(i llrb.Item) bool {
		return f(i.(*cellItem).cell)
	})
}

// Directory maps spaces to the cells covering them and to the cellapps hosting the cells
//
// Directory is safe for concurrent use.
type Directory struct {
	sync.RWMutex
	spaces map[common.SpaceID]*Space
	cells  map[common.CellID]*CellInfo
	// NeighborDistance is the max gap between two cells considered neighbors
	NeighborDistance float32
}

// New creates an empty Directory
func New(neighborDistance float32) *Directory {
	return &Directory{
		spaces:           map[common.SpaceID]*Space{},
		cells:            map[common.CellID]*CellInfo{},
		NeighborDistance: neighborDistance,
	}
}

// AddCell adds a cell, creating its space on first reference
func (d *Directory) AddCell(cell CellInfo) error {
	if !cell.Rect.IsValid() {
		return errors.Errorf("add %s: invalid rect %s", cell.ID, cell.Rect)
	}
	if cell.Host.IsNil() {
		return errors.Errorf("add %s: no host", cell.ID)
	}

	d.Lock()
	defer d.Unlock()
	if _, ok := d.cells[cell.ID]; ok {
		return errors.Errorf("add %s: cell exists", cell.ID)
	}

	c := &CellInfo{}
	*c = cell
	space := d.spaces[c.SpaceID]
	if space == nil {
		space = newSpace(c.SpaceID)
		d.spaces[c.SpaceID] = space
		if consts.DEBUG_SPACES {
			gwlog.Debugf("Directory: space %d created", c.SpaceID)
		}
	}
	space.index.ReplaceOrInsert(&cellItem{c})
	d.cells[c.ID] = c
	if consts.DEBUG_SPACES {
		gwlog.Debugf("Directory: %s of space %d added: %s hosted by %s", c.ID, c.SpaceID, c.Rect, c.Host)
	}
	return nil
}

// RemoveCell removes a cell, destroying its space with the last cell
func (d *Directory) RemoveCell(id common.CellID) error {
	d.Lock()
	defer d.Unlock()
	c := d.cells[id]
	if c == nil {
		return errors.Errorf("remove %s: no such cell", id)
	}
	d.removeLocked(c)
	return nil
}

func (d *Directory) removeLocked(c *CellInfo) {
	space := d.spaces[c.SpaceID]
	space.index.Delete(&cellItem{c})
	delete(d.cells, c.ID)
	if space.index.Len() == 0 {
		delete(d.spaces, c.SpaceID)
		if consts.DEBUG_SPACES {
			gwlog.Debugf("Directory: space %d destroyed", c.SpaceID)
		}
	}
}

// UpdateCell changes the region and host of a cell when the partition is rebalanced
func (d *Directory) UpdateCell(id common.CellID, rect Rect, host common.Addr) error {
	if !rect.IsValid() {
		return errors.Errorf("update %s: invalid rect %s", id, rect)
	}

	d.Lock()
	defer d.Unlock()
	c := d.cells[id]
	if c == nil {
		return errors.Errorf("update %s: no such cell", id)
	}
	space := d.spaces[c.SpaceID]
	space.index.Delete(&cellItem{c})
	c.Rect = rect
	if !host.IsNil() {
		c.Host = host
	}
	space.index.ReplaceOrInsert(&cellItem{c})
	return nil
}

// GetCell returns a copy of the cell info
func (d *Directory) GetCell(id common.CellID) (CellInfo, bool) {
	d.RLock()
	defer d.RUnlock()
	c := d.cells[id]
	if c == nil {
		return CellInfo{}, false
	}
	return *c, true
}

// HasSpace returns if any cell covers the space
func (d *Directory) HasSpace(id common.SpaceID) bool {
	d.RLock()
	defer d.RUnlock()
	return d.spaces[id] != nil
}

// SpaceIDs returns IDs of all spaces in ascending order
func (d *Directory) SpaceIDs() []common.SpaceID {
	d.RLock()
	defer d.RUnlock()
	ids := make([]common.SpaceID, 0, len(d.spaces))
	for id := range d.spaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SpaceCells returns the cells of one space ordered by ID
func (d *Directory) SpaceCells(id common.SpaceID) []CellInfo {
	d.RLock()
	defer d.RUnlock()
	space := d.spaces[id]
	if space == nil {
		return nil
	}
	return copyCells(space.Cells())
}

// CellForPoint returns the cell containing the point
//
// When cells overlap, the one with the lowest MinX (then lowest ID) wins.
func (d *Directory) CellForPoint(spaceID common.SpaceID, x, z float32) (CellInfo, bool) {
	d.RLock()
	defer d.RUnlock()
	space := d.spaces[spaceID]
	if space == nil {
		return CellInfo{}, false
	}

	var found *CellInfo
	space.visitLeftOf(x, func(c *CellInfo) bool {
		if c.Rect.Contains(x, z) {
			found = c
			return false
		}
		return true
	})
	if found == nil {
		return CellInfo{}, false
	}
	return *found, true
}

// CellsNear returns cells of the space within dist of the point, ordered by ID
func (d *Directory) CellsNear(spaceID common.SpaceID, x, z float32, dist float32) []CellInfo {
	d.RLock()
	defer d.RUnlock()
	space := d.spaces[spaceID]
	if space == nil {
		return nil
	}

	var cells []*CellInfo
	space.visitLeftOf(x+dist, func(c *CellInfo) bool {
		if c.Rect.DistanceTo(x, z) <= dist {
			cells = append(cells, c)
		}
		return true
	})
	sortCells(cells)
	return copyCells(cells)
}

// NeighborCells returns the other cells of the same space within NeighborDistance of the cell
func (d *Directory) NeighborCells(cellID common.CellID) []CellInfo {
	d.RLock()
	defer d.RUnlock()
	return copyCells(d.neighborCellsLocked(cellID))
}

func (d *Directory) neighborCellsLocked(cellID common.CellID) []*CellInfo {
	c := d.cells[cellID]
	if c == nil {
		return nil
	}
	space := d.spaces[c.SpaceID]
	var cells []*CellInfo
	space.visitLeftOf(c.Rect.MaxX+d.NeighborDistance, func(other *CellInfo) bool {
		if other.ID != c.ID && c.Rect.DistanceToRect(other.Rect) <= d.NeighborDistance {
			cells = append(cells, other)
		}
		return true
	})
	sortCells(cells)
	return cells
}

// NeighborsOf returns the distinct hosts of neighbor cells, excluding the cell's own host
func (d *Directory) NeighborsOf(cellID common.CellID) []common.Addr {
	d.RLock()
	defer d.RUnlock()
	c := d.cells[cellID]
	if c == nil {
		return nil
	}
	hosts := common.AddrSet{}
	for _, other := range d.neighborCellsLocked(cellID) {
		if other.Host != c.Host {
			hosts.Add(other.Host)
		}
	}
	return hosts.Sorted()
}

// CellsHostedBy returns the cells hosted by the cellapp at addr, ordered by ID
func (d *Directory) CellsHostedBy(addr common.Addr) []CellInfo {
	d.RLock()
	defer d.RUnlock()
	var cells []*CellInfo
	for _, c := range d.cells {
		if c.Host == addr {
			cells = append(cells, c)
		}
	}
	sortCells(cells)
	return copyCells(cells)
}

// Hosts returns all cellapp addresses hosting at least one cell
func (d *Directory) Hosts() []common.Addr {
	d.RLock()
	defer d.RUnlock()
	hosts := common.AddrSet{}
	for _, c := range d.cells {
		hosts.Add(c.Host)
	}
	return hosts.Sorted()
}

func sortCells(cells []*CellInfo) {
	sort.Slice(cells, func(i, j int) bool {
		return cells[i].ID < cells[j].ID
	})
}

func copyCells(cells []*CellInfo) []CellInfo {
	if len(cells) == 0 {
		return nil
	}
	res := make([]CellInfo, len(cells))
	for i, c := range cells {
		res[i] = *c
	}
	return res
}
