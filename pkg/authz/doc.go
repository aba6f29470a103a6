// Package authz holds the per-connection authorization context and the
// resolver that turns a requested channel into the concrete channels a subject
// may join.
//
// A Subject is derived once from a verified identity token and never changes
// for the lifetime of the connection. Resolve never broadens authorization:
// the bare root and table wildcards expand only over the subject's own tables,
// and a concrete table outside that set resolves to nothing.
//
//	subject := authz.NewSubject("user-1", authz.Flags{}, []string{"pages", "users"})
//	channels := authz.Resolve(subject, channel.MustParse("db.*.insert"))
//	// [db.pages.insert db.users.insert]
package authz
