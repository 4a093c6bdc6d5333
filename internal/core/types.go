package core

import "groovecore/pkg/domain"

type (
	GlobalState     = domain.GlobalState
	EntityRecord    = domain.EntityRecord
	Preset          = domain.Preset
	LinkRole        = domain.LinkRole
	LinkState       = domain.LinkState
	DirtyLevel      = domain.DirtyLevel
	FieldError      = domain.FieldError
	MetricsRecorder = domain.MetricsRecorder
	NopRecorder     = domain.NopRecorder
)

const (
	MaxEntities = domain.MaxEntities
	NoMaster    = domain.NoMaster
)

const (
	LinkNone   = domain.LinkNone
	LinkMaster = domain.LinkMaster
	LinkSlave  = domain.LinkSlave
)

const (
	DirtyPattern      = domain.DirtyPattern
	DirtyPatternGroup = domain.DirtyPatternGroup
	DirtyKit          = domain.DirtyKit
	DirtyEntity       = domain.DirtyEntity
	DirtySession      = domain.DirtySession
)
