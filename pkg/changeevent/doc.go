// Package changeevent defines the database change event published through
// dbcast, its boundary validation and its fan-out channels.
//
// Events arrive as JSON:
//
//	{
//	  "timestamp": "2025-01-01T12:00:00Z",
//	  "table": "pages",
//	  "action": "insert",
//	  "record": {"id": 3, "title": "hello"}
//	}
//
// Parse checks the payload against an explicit schema (timestamp, table and
// action are required; action is one of insert, update, delete; record, when
// present, is an object whose optional id is a non-negative integer) and
// reports every violation at once in a *ValidationError. Nothing downstream
// sees an event that failed validation.
//
// Channels returns the fixed fan-out for an event:
//
//	db, db.<table>, db.<table>.<action>, db.*.<action>
//
// followed, when the record carries an id, by
//
//	db.<table>.<action>.<id>, db.<table>.*.<id>
//
// The order is fixed so results are reproducible; it is not a delivery order.
package changeevent
