package changeevent

import (
	"strconv"

	"github.com/rmacdonaldsmith/dbcast/pkg/channel"
)

// Channels returns the channels the event fans out to, in a fixed order. No
// authorization is applied here; it was enforced when subscribers joined.
func (e *ChangeEvent) Channels() []string {
	action := e.action.String()

	out := make([]string, 0, 6)
	out = append(out,
		channel.Join(),
		channel.Join(e.table),
		channel.Join(e.table, action),
		channel.Join(channel.Wildcard, action),
	)

	if id, ok := e.RecordID(); ok {
		literal := strconv.FormatUint(id, 10)
		out = append(out,
			channel.Join(e.table, action, literal),
			channel.Join(e.table, channel.Wildcard, literal),
		)
	}
	return out
}
