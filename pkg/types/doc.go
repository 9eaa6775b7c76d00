/*
Package types defines the core data structures used throughout the provisioner.

The provisioner keeps one generated "managed record" per (assignment x active
template) pair synchronized with a template group's configuration. This package
holds the shared vocabulary: the generic store record, the typed views of the
setup objects, reconciliation pages and the error taxonomy.

# Architecture

Everything the record store holds is a Record: an object name, an id and a
map of field values. A Value is either a scalar (Text) or an enumerated token
set (Tokens, Multi=true). Setup and assignment data are plain records with
typed views built on top:

	template_group        -> TemplateGroupConfig (resolved by pkg/resolver)
	template_mapping      -> FieldMapping
	role_template         -> TemplateRecord
	template_assignment   -> AssignmentRecord

Managed records have no typed view. Their object name comes from the group's
managed object and their fields from the group's mappings.

# Core Types

Records:
  - Record: generic store row (ID, Object, Fields)
  - Value: scalar or enumerated token set

Configuration:
  - TemplateGroupConfig: managed object, user and country fields, mappings, active templates
  - FieldMapping: template field -> target field, Kind scalar or enumerated
  - TemplateRecord: values projected onto managed records
  - AssignmentRecord: user (and optional country) assigned to a group

Reconciliation:
  - ReconciliationPage: base query plus skip/limit, the unit of async work
  - PageAction: resave (regenerate) or delete

Errors:
  - SetupError: configuration-class error, code OPERATION_NOT_ALLOWED
  - RejectionError: per-record rejection produced at the trigger boundary

# Usage

Building an assignment:

	a := &types.AssignmentRecord{
		GroupID: "grp-1",
		User:    "u-42",
		Country: "US",
		Status:  types.StatusActive,
	}
	rec := a.ToRecord()

Projecting a mapping:

	m := types.FieldMapping{TemplateField: "role", TargetField: "setup_role", Kind: types.MappingScalar}
	v := m.Project(template)

Formatting a page:

	p := types.ReconciliationPage{BaseQuery: "select id from template_assignment", Skip: 500, Limit: 500}
	p.Query() // "select id from template_assignment SKIP 500 PAGESIZE 500"

# Error Handling

SetupError carries the offending token when one exists (a malformed mapping
entry, a duplicated target field). Reject wraps any terminal error into a
RejectionError whose message ends with RejectionSuffix, which is how errors
surface to whoever saved the record.
*/
package types
