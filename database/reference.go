package database

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// Snapshot kinds stored in the snapshots table.
const (
	SnapshotKindCatalog  = "catalog"
	SnapshotKindPattern  = "pattern"
	SnapshotKindGlossary = "glossary"
)

// CatalogSnapshot is an immutable view of the catalog taken at run open.
// It is shared across workers without locking.
type CatalogSnapshot struct {
	ID       string
	TakenAt  time.Time
	Vehicles []CatalogVehicle

	byID        map[string]*CatalogVehicle
	byMakeModel map[string][]*CatalogVehicle
}

// ByID returns the catalog vehicle with the given id, if present.
func (s *CatalogSnapshot) ByID(id string) (*CatalogVehicle, bool) {
	v, ok := s.byID[id]
	return v, ok
}

// ByMakeModel returns the candidates for a (make, model) pair, sorted by
// catalog id so candidate iteration is deterministic.
func (s *CatalogSnapshot) ByMakeModel(make, model string) []*CatalogVehicle {
	return s.byMakeModel[make+"\x00"+model]
}

// Contains reports whether the catalog id exists in the snapshot.
func (s *CatalogSnapshot) Contains(id string) bool {
	_, ok := s.byID[id]
	return ok
}

func (s *CatalogSnapshot) buildIndexes() {
	s.byID = make(map[string]*CatalogVehicle, len(s.Vehicles))
	s.byMakeModel = make(map[string][]*CatalogVehicle)
	for i := range s.Vehicles {
		v := &s.Vehicles[i]
		s.byID[v.CatalogID] = v
		key := v.Make + "\x00" + v.Model
		s.byMakeModel[key] = append(s.byMakeModel[key], v)
	}
	for _, candidates := range s.byMakeModel {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].CatalogID < candidates[j].CatalogID
		})
	}
}

// PatternSnapshot is an immutable view of the active patterns, already in
// evaluation order (priority DESC, id ASC).
type PatternSnapshot struct {
	ID       string
	TakenAt  time.Time
	Patterns []Pattern
}

// GlossarySnapshot is an immutable view of the glossary entries.
type GlossarySnapshot struct {
	ID      string
	TakenAt time.Time
	Entries []GlossaryEntry
}

// NewCatalogSnapshot builds an indexed in-memory catalog snapshot. Meant for
// fixtures; production snapshots come from SnapshotCatalog.
func NewCatalogSnapshot(id string, vehicles []CatalogVehicle) *CatalogSnapshot {
	snap := &CatalogSnapshot{ID: id, TakenAt: time.Now(), Vehicles: vehicles}
	snap.buildIndexes()
	return snap
}

// NewPatternSnapshot builds an in-memory pattern snapshot, sorting the
// patterns into their evaluation order (priority DESC, id ASC).
func NewPatternSnapshot(id string, patterns []Pattern) *PatternSnapshot {
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Priority != patterns[j].Priority {
			return patterns[i].Priority > patterns[j].Priority
		}
		return patterns[i].ID < patterns[j].ID
	})
	return &PatternSnapshot{ID: id, TakenAt: time.Now(), Patterns: patterns}
}

// NewGlossarySnapshot builds an in-memory glossary snapshot.
func NewGlossarySnapshot(id string, entries []GlossaryEntry) *GlossarySnapshot {
	return &GlossarySnapshot{ID: id, TakenAt: time.Now(), Entries: entries}
}

// SnapshotCatalog materializes the catalog as of the given time (nil = now),
// registers it in the snapshot cache and records it for traceability.
func (db *StockDB) SnapshotCatalog(asOf *time.Time) (*CatalogSnapshot, error) {
	query := `
		SELECT catalog_id, make, model, version, fuel, transmission, body,
		       doors, power_kw, displacement_cc, list_price, segment, updated_at
		FROM catalog_vehicles
	`
	args := []interface{}{}
	if asOf != nil {
		query += " WHERE updated_at <= ?"
		args = append(args, *asOf)
	}
	query += " ORDER BY catalog_id"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	snap := &CatalogSnapshot{ID: uuid.New().String(), TakenAt: time.Now()}
	for rows.Next() {
		var v CatalogVehicle
		if err := rows.Scan(&v.CatalogID, &v.Make, &v.Model, &v.Version, &v.Fuel,
			&v.Transmission, &v.Body, &v.Doors, &v.PowerKW, &v.DisplacementCC,
			&v.ListPrice, &v.Segment, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan catalog vehicle: %w", err)
		}
		snap.Vehicles = append(snap.Vehicles, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating catalog: %w", err)
	}
	snap.buildIndexes()

	if err := db.registerSnapshot(snap.ID, SnapshotKindCatalog, snap.TakenAt, asOf, len(snap.Vehicles)); err != nil {
		return nil, err
	}
	db.snapshots.Set(snap.ID, snap, gocache.DefaultExpiration)
	return snap, nil
}

// SnapshotPatterns materializes the active patterns as of the given time.
func (db *StockDB) SnapshotPatterns(asOf *time.Time) (*PatternSnapshot, error) {
	query := `
		SELECT id, priority, active, source, catalog_id,
		       make, model, version, fuel, transmission, body, updated_at
		FROM patterns
		WHERE active = 1
	`
	args := []interface{}{}
	if asOf != nil {
		query += " AND updated_at <= ?"
		args = append(args, *asOf)
	}
	query += " ORDER BY priority DESC, id ASC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	snap := &PatternSnapshot{ID: uuid.New().String(), TakenAt: time.Now()}
	for rows.Next() {
		var p Pattern
		if err := rows.Scan(&p.ID, &p.Priority, &p.Active, &p.Source, &p.CatalogID,
			&p.Make, &p.Model, &p.Version, &p.Fuel, &p.Transmission, &p.Body, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		snap.Patterns = append(snap.Patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patterns: %w", err)
	}

	if err := db.registerSnapshot(snap.ID, SnapshotKindPattern, snap.TakenAt, asOf, len(snap.Patterns)); err != nil {
		return nil, err
	}
	db.snapshots.Set(snap.ID, snap, gocache.DefaultExpiration)
	return snap, nil
}

// SnapshotGlossary materializes the glossary as of the given time.
func (db *StockDB) SnapshotGlossary(asOf *time.Time) (*GlossarySnapshot, error) {
	query := `
		SELECT id, field, source, canonical, priority, updated_at
		FROM glossary_entries
	`
	args := []interface{}{}
	if asOf != nil {
		query += " WHERE updated_at <= ?"
		args = append(args, *asOf)
	}
	query += " ORDER BY id"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query glossary: %w", err)
	}
	defer rows.Close()

	snap := &GlossarySnapshot{ID: uuid.New().String(), TakenAt: time.Now()}
	for rows.Next() {
		var e GlossaryEntry
		if err := rows.Scan(&e.ID, &e.Field, &e.Source, &e.Canonical, &e.Priority, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan glossary entry: %w", err)
		}
		snap.Entries = append(snap.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating glossary: %w", err)
	}

	if err := db.registerSnapshot(snap.ID, SnapshotKindGlossary, snap.TakenAt, asOf, len(snap.Entries)); err != nil {
		return nil, err
	}
	db.snapshots.Set(snap.ID, snap, gocache.DefaultExpiration)
	return snap, nil
}

// registerSnapshot records snapshot metadata for run traceability.
func (db *StockDB) registerSnapshot(id, kind string, takenAt time.Time, asOf *time.Time, rowCount int) error {
	_, err := db.conn.Exec(
		`INSERT INTO snapshots(id, kind, taken_at, as_of, row_count) VALUES(?, ?, ?, ?, ?)`,
		id, kind, takenAt, asOf, rowCount,
	)
	if err != nil {
		return fmt.Errorf("failed to register %s snapshot: %w", kind, err)
	}
	return nil
}

// GetCatalogSnapshot returns a previously taken catalog snapshot. Evicted
// snapshots are re-materialized from the recorded taken_at time, which is
// correct because catalog rows carry updated_at and are never deleted by
// the pipeline.
func (db *StockDB) GetCatalogSnapshot(id string) (*CatalogSnapshot, error) {
	if cached, ok := db.snapshots.Get(id); ok {
		if snap, ok := cached.(*CatalogSnapshot); ok {
			return snap, nil
		}
	}

	takenAt, err := db.snapshotTakenAt(id, SnapshotKindCatalog)
	if err != nil {
		return nil, err
	}
	snap, err := db.SnapshotCatalog(&takenAt)
	if err != nil {
		return nil, err
	}
	snap.ID = id
	db.snapshots.Set(id, snap, gocache.DefaultExpiration)
	return snap, nil
}

// snapshotTakenAt looks up the taken_at of a recorded snapshot.
func (db *StockDB) snapshotTakenAt(id, kind string) (time.Time, error) {
	var takenAt time.Time
	err := db.conn.QueryRow(
		`SELECT taken_at FROM snapshots WHERE id = ? AND kind = ?`, id, kind,
	).Scan(&takenAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, fmt.Errorf("snapshot %s not found", id)
		}
		return time.Time{}, fmt.Errorf("failed to look up snapshot %s: %w", id, err)
	}
	return takenAt, nil
}

// GetCatalogVehicle is a point query by catalog id against the current table.
func (db *StockDB) GetCatalogVehicle(catalogID string) (*CatalogVehicle, error) {
	var v CatalogVehicle
	err := db.conn.QueryRow(`
		SELECT catalog_id, make, model, version, fuel, transmission, body,
		       doors, power_kw, displacement_cc, list_price, segment, updated_at
		FROM catalog_vehicles WHERE catalog_id = ?
	`, catalogID).Scan(&v.CatalogID, &v.Make, &v.Model, &v.Version, &v.Fuel,
		&v.Transmission, &v.Body, &v.Doors, &v.PowerKW, &v.DisplacementCC,
		&v.ListPrice, &v.Segment, &v.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get catalog vehicle %s: %w", catalogID, err)
	}
	return &v, nil
}

// CatalogIDs returns the set of catalog ids currently present. The exporter
// uses it to flag stale references.
func (db *StockDB) CatalogIDs() (map[string]bool, error) {
	rows, err := db.conn.Query(`SELECT catalog_id FROM catalog_vehicles`)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan catalog id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// UpsertCatalogVehicle inserts or replaces a catalog row. Used by the
// migrator and by test fixtures; the pipeline never calls it.
func (db *StockDB) UpsertCatalogVehicle(v CatalogVehicle) error {
	updatedAt := v.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := db.conn.Exec(`
		INSERT INTO catalog_vehicles
			(catalog_id, make, model, version, fuel, transmission, body,
			 doors, power_kw, displacement_cc, list_price, segment, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(catalog_id) DO UPDATE SET
			make = excluded.make, model = excluded.model, version = excluded.version,
			fuel = excluded.fuel, transmission = excluded.transmission, body = excluded.body,
			doors = excluded.doors, power_kw = excluded.power_kw,
			displacement_cc = excluded.displacement_cc, list_price = excluded.list_price,
			segment = excluded.segment, updated_at = excluded.updated_at
	`, v.CatalogID, v.Make, v.Model, v.Version, v.Fuel, v.Transmission, v.Body,
		v.Doors, v.PowerKW, v.DisplacementCC, v.ListPrice, v.Segment, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert catalog vehicle %s: %w", v.CatalogID, err)
	}
	return nil
}

// UpsertPattern inserts a pattern, or updates it when ID is set.
func (db *StockDB) UpsertPattern(p Pattern) (int64, error) {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	if p.ID > 0 {
		_, err := db.conn.Exec(`
			UPDATE patterns SET priority = ?, active = ?, source = ?, catalog_id = ?,
				make = ?, model = ?, version = ?, fuel = ?, transmission = ?, body = ?,
				updated_at = ?
			WHERE id = ?
		`, p.Priority, p.Active, p.Source, p.CatalogID,
			p.Make, p.Model, p.Version, p.Fuel, p.Transmission, p.Body, updatedAt, p.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to update pattern %d: %w", p.ID, err)
		}
		return p.ID, nil
	}

	res, err := db.conn.Exec(`
		INSERT INTO patterns (priority, active, source, catalog_id,
			make, model, version, fuel, transmission, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Priority, p.Active, p.Source, p.CatalogID,
		p.Make, p.Model, p.Version, p.Fuel, p.Transmission, p.Body, updatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pattern: %w", err)
	}
	return res.LastInsertId()
}

// UpsertGlossaryEntry inserts or replaces a glossary rewrite rule.
func (db *StockDB) UpsertGlossaryEntry(e GlossaryEntry) error {
	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := db.conn.Exec(`
		INSERT INTO glossary_entries (field, source, canonical, priority, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(field, source) DO UPDATE SET
			canonical = excluded.canonical, priority = excluded.priority,
			updated_at = excluded.updated_at
	`, e.Field, e.Source, e.Canonical, e.Priority, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert glossary entry %s/%s: %w", e.Field, e.Source, err)
	}
	return nil
}
