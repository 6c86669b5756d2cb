// Package domain defines the persistent record envelope, the offline action
// model, and the persistence contracts used by the fieldcore sync engine.
package domain

import (
	"encoding/json"
	"time"
)

// Collection identifies a logical group of records kept in the local store and
// mirrored by the remote system of record.
type Collection string

// Collections tracked by the farm-management product. The engine itself is
// generic over collections; these constants name the ones the product ships.
const (
	// CollectionFarms holds top-level farm records.
	CollectionFarms Collection = "farms"
	// CollectionFields holds field (paddock/plot) records belonging to a farm.
	CollectionFields Collection = "fields"
	// CollectionIrrigationRecords holds per-field irrigation log entries.
	CollectionIrrigationRecords Collection = "irrigation_records"
	// CollectionHarvestRecords holds harvest yield entries.
	CollectionHarvestRecords Collection = "harvest_records"
	// CollectionDiseaseReports holds scouting/disease observations.
	CollectionDiseaseReports Collection = "disease_reports"
)

// Collections returns the collections a default store is provisioned with.
func Collections() []Collection {
	return []Collection{
		CollectionFarms,
		CollectionFields,
		CollectionIrrigationRecords,
		CollectionHarvestRecords,
		CollectionDiseaseReports,
	}
}

// Record is the generic envelope stored for every cached entity. The engine
// does not interpret Fields; domain screens marshal their own entity types
// (Farm, Field, ...) into it.
//
// LocalID is the stable local alias issued at creation time. It never changes
// for the lifetime of the record, even after the server assigns a permanent
// identifier, so references held by already-open UI state stay valid.
// ServerID is empty until the CREATE for this record has synced.
type Record struct {
	Collection Collection      `json:"collection"`
	LocalID    string          `json:"local_id"`
	ServerID   string          `json:"server_id,omitempty"`
	Fields     json.RawMessage `json:"fields"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Synced reports whether the record has been assigned a server identifier.
func (r Record) Synced() bool { return r.ServerID != "" }

// AuthoritativeID returns the identifier the remote system knows the record
// by, falling back to the local alias while the record is unsynced.
func (r Record) AuthoritativeID() string {
	if r.ServerID != "" {
		return r.ServerID
	}
	return r.LocalID
}

// Farm represents a managed farm property.
type Farm struct {
	Name     string  `json:"name"`
	Owner    string  `json:"owner"`
	Region   string  `json:"region"`
	AreaHa   float64 `json:"area_ha"`
	Timezone string  `json:"timezone,omitempty"`
}

// Field represents a plot or paddock within a farm.
type Field struct {
	FarmID    string  `json:"farm_id"`
	Name      string  `json:"name"`
	Crop      string  `json:"crop"`
	AreaHa    float64 `json:"area_ha"`
	SoilType  string  `json:"soil_type,omitempty"`
	Irrigated bool    `json:"irrigated"`
}

// IrrigationRecord logs one irrigation event for a field.
type IrrigationRecord struct {
	FieldID         string    `json:"field_id"`
	StartedAt       time.Time `json:"started_at"`
	DurationMinutes int       `json:"duration_minutes"`
	VolumeM3        float64   `json:"volume_m3"`
	Method          string    `json:"method,omitempty"`
}

// HarvestRecord logs a harvest yield entry for a field.
type HarvestRecord struct {
	FieldID     string    `json:"field_id"`
	HarvestedAt time.Time `json:"harvested_at"`
	Crop        string    `json:"crop"`
	YieldKg     float64   `json:"yield_kg"`
	Moisture    float64   `json:"moisture_pct,omitempty"`
}

// DiseaseReport records a scouting observation awaiting advisory review.
type DiseaseReport struct {
	FieldID    string    `json:"field_id"`
	ObservedAt time.Time `json:"observed_at"`
	Disease    string    `json:"disease"`
	Severity   string    `json:"severity"`
	Notes      string    `json:"notes,omitempty"`
}
