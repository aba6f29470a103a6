// Package channel implements the hierarchical channel grammar used to address
// database change notifications.
//
// A channel is a dot separated path rooted at "db":
//
//	db                        every authorized table
//	db.<table>                every change on a table
//	db.<table>.<action>       one kind of change on a table
//	db.<table>.<action>.<id>  one kind of change on one record
//	db.<table>.*.<id>         any change on one record
//	db.*.<action>             one kind of change on every authorized table
//
// Table names match [A-Za-z_][A-Za-z0-9_]*, actions are insert, update or
// delete, and ids are non-negative integer literals.
//
// The table position may hold the wildcard "*" anywhere a concrete table is
// allowed (db.*, db.*.insert.7, db.*.*.7). Table wildcards are never matched
// against rooms; callers expand them per authorized table (see package authz).
// The action wildcard is only valid when followed by an id.
//
// Parse returns a small typed Channel so callers branch on segment kinds
// instead of re-inspecting strings:
//
//	ch, err := channel.Parse("db.pages.insert")
//	if err != nil {
//		return err // *channel.GrammarError
//	}
//	if ch.TableWildcard() {
//		...
//	}
package channel
