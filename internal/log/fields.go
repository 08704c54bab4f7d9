// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Bus fields
	FieldInterface = "interface"
	FieldMember    = "member"
	FieldObjPath   = "obj_path"
	FieldRule      = "rule"
	FieldErrName   = "err_name"

	// Watch / poll fields
	FieldFd    = "fd"
	FieldFlags = "flags"
	FieldOp    = "op"
	FieldToken = "token"

	// Device fields
	FieldAddress  = "address"
	FieldAdapter  = "adapter"
	FieldUUID     = "uuid"
	FieldProperty = "property"
	FieldResult   = "result"
	FieldChannel  = "channel"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
