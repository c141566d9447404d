// Package geo holds a rebuildable projection of active donation positions
// and answers radius queries over them. It never owns donation records.
package geo

import (
	"math"
	"sort"
	"sync"
)

const (
	earthRadiusMeters = 6371000.0

	// cellSizeDeg is the grid bucket edge in degrees of latitude
	// (~5.5 km). City-scale queries touch a handful of cells instead of
	// the whole entry set.
	cellSizeDeg = 0.05
)

// Point is a WGS84 position.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Match is one radius-query hit.
type Match struct {
	ID             string  `json:"id"`
	DistanceMeters float64 `json:"distance_meters"`
}

type cellKey struct {
	row, col int
}

// colsPerRing is the number of grid columns in one full circle of longitude.
var colsPerRing = int(math.Round(360 / cellSizeDeg))

// wrapCol maps any column onto the canonical ring so the cells either side
// of the antimeridian are neighbours.
func wrapCol(col int) int {
	col %= colsPerRing
	if col < -colsPerRing/2 {
		col += colsPerRing
	}
	if col >= colsPerRing/2 {
		col -= colsPerRing
	}
	return col
}

func cellOf(p Point) cellKey {
	return cellKey{
		row: int(math.Floor(p.Lat / cellSizeDeg)),
		col: wrapCol(int(math.Floor(p.Lon / cellSizeDeg))),
	}
}

// Index is a grid-bucketed point set keyed by donation id.
type Index struct {
	mu    sync.RWMutex
	cells map[cellKey]map[string]Point
	byID  map[string]cellKey
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		cells: make(map[cellKey]map[string]Point),
		byID:  make(map[string]cellKey),
	}
}

// Upsert inserts or moves an entry.
func (x *Index) Upsert(id string, p Point) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
	key := cellOf(p)
	cell, ok := x.cells[key]
	if !ok {
		cell = make(map[string]Point)
		x.cells[key] = cell
	}
	cell[id] = p
	x.byID[id] = key
}

// Remove drops an entry. Removing an absent id is a no-op.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
}

func (x *Index) removeLocked(id string) {
	key, ok := x.byID[id]
	if !ok {
		return
	}
	delete(x.byID, id)
	cell := x.cells[key]
	delete(cell, id)
	if len(cell) == 0 {
		delete(x.cells, key)
	}
}

// Len returns the number of indexed entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}

// Replace atomically swaps the whole entry set. The reconciliation pass uses
// it to re-derive the index from the record store.
func (x *Index) Replace(entries map[string]Point) {
	cells := make(map[cellKey]map[string]Point)
	byID := make(map[string]cellKey, len(entries))
	for id, p := range entries {
		key := cellOf(p)
		cell, ok := cells[key]
		if !ok {
			cell = make(map[string]Point)
			cells[key] = cell
		}
		cell[id] = p
		byID[id] = key
	}

	x.mu.Lock()
	x.cells = cells
	x.byID = byID
	x.mu.Unlock()
}

// QueryRadius returns all entries within radiusMeters of center, nearest
// first. Equal distances tie-break on ascending id.
func (x *Index) QueryRadius(center Point, radiusMeters float64) []Match {
	if radiusMeters < 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	latDelta := radiusMeters / earthRadiusMeters * (180 / math.Pi)
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	lonDelta := 180.0 // near the poles every meridian is in range
	if cosLat > 1e-6 {
		lonDelta = latDelta / cosLat
	}

	rowMin := int(math.Floor((center.Lat - latDelta) / cellSizeDeg))
	rowMax := int(math.Floor((center.Lat + latDelta) / cellSizeDeg))
	colMin := int(math.Floor((center.Lon - lonDelta) / cellSizeDeg))
	colMax := int(math.Floor((center.Lon + lonDelta) / cellSizeDeg))
	if colMax-colMin+1 > colsPerRing {
		// The query spans the whole ring; visit each column once.
		colMax = colMin + colsPerRing - 1
	}

	matches := make([]Match, 0)
	for row := rowMin; row <= rowMax; row++ {
		for col := colMin; col <= colMax; col++ {
			for id, p := range x.cells[cellKey{row, wrapCol(col)}] {
				d := Distance(center, p)
				if d <= radiusMeters {
					matches = append(matches, Match{ID: id, DistanceMeters: d})
				}
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].DistanceMeters != matches[j].DistanceMeters {
			return matches[i].DistanceMeters < matches[j].DistanceMeters
		}
		return matches[i].ID < matches[j].ID
	})
	return matches
}

// Distance is the great-circle distance between two points in meters,
// using the haversine formula on a spherical earth. Accurate to well under
// 0.5% at city scale.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}
