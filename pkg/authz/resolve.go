package authz

import "github.com/rmacdonaldsmith/dbcast/pkg/channel"

// Resolve computes the concrete channels subject may join for the requested
// channel. An empty result means the request is not authorized.
//
//   - the bare root resolves to db.<table> for every authorized table;
//   - a table wildcard is substituted by each authorized table, in the table
//     position only, leaving any action wildcard literal;
//   - a concrete table resolves to itself when authorized.
func Resolve(subject Subject, requested channel.Channel) []string {
	switch {
	case requested.IsRoot():
		out := make([]string, 0, len(subject.tables))
		for _, t := range subject.tables {
			out = append(out, channel.Join(t))
		}
		return out

	case requested.TableWildcard():
		out := make([]string, 0, len(subject.tables))
		for _, t := range subject.tables {
			out = append(out, requested.WithTable(t).String())
		}
		return out

	case subject.CanAccess(requested.Table):
		return []string{requested.String()}
	}
	return nil
}

// ResolveString parses requested and resolves it. It returns the grammar
// error unchanged so callers can tell "bad request" from "forbidden".
func ResolveString(subject Subject, requested string) ([]string, error) {
	ch, err := channel.Parse(requested)
	if err != nil {
		return nil, err
	}
	return Resolve(subject, ch), nil
}
