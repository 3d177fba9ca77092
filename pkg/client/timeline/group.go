package timeline

import (
	"time"

	"github.com/mahaj/workspace-chat/pkg/model"
)

const dateLayout = "2006-01-02"

// DateGroup is the run of messages posted on one calendar day.
type DateGroup struct {
	Date     string
	Messages []model.Message
}

// GroupByDate buckets messages by the calendar date of their timestamp in
// loc. Groups appear in the order their date is first seen; messages keep
// their input order within a group.
func GroupByDate(msgs []model.Message, loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.Local
	}
	var groups []DateGroup
	index := map[string]int{}
	for _, m := range msgs {
		day := m.Timestamp.In(loc).Format(dateLayout)
		i, ok := index[day]
		if !ok {
			i = len(groups)
			index[day] = i
			groups = append(groups, DateGroup{Date: day})
		}
		groups[i].Messages = append(groups[i].Messages, m)
	}
	return groups
}
