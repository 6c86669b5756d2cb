package core

import (
	"fieldcore/internal/stats"
	"fieldcore/pkg/domain"
)

type (
	// Collection aliases domain.Collection.
	Collection = domain.Collection
	// Record aliases domain.Record.
	Record = domain.Record
	// OfflineAction aliases domain.OfflineAction.
	OfflineAction = domain.OfflineAction
	// Stats aliases the facade's derived view.
	Stats = stats.Stats
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)

const (
	CollectionFarms             = domain.CollectionFarms
	CollectionFields            = domain.CollectionFields
	CollectionIrrigationRecords = domain.CollectionIrrigationRecords
	CollectionHarvestRecords    = domain.CollectionHarvestRecords
	CollectionDiseaseReports    = domain.CollectionDiseaseReports
)
