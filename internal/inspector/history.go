package inspector

import (
	"time"

	"github.com/google/uuid"
)

// appendHistory appends a pending request entry to the state's HTTP history
// and returns its id. The response is attached later, at most once, via
// attachResponse.
func appendHistory(state *FlowState, step Step, req HTTPRequestRecord) string {
	entry := HTTPHistoryEntry{
		ID:      uuid.NewString(),
		Step:    step,
		Request: req,
	}
	state.HTTPHistory = append(state.HTTPHistory, entry)
	return entry.ID
}

// attachResponse fills in the response of the identified pending entry.
// An entry that already has a response is left untouched: every request
// carries at most one response.
func attachResponse(state *FlowState, entryID string, resp *ProxyResponse) bool {
	for i := range state.HTTPHistory {
		if state.HTTPHistory[i].ID != entryID {
			continue
		}
		if state.HTTPHistory[i].Response != nil {
			return false
		}
		state.HTTPHistory[i].Response = &HTTPResponseRecord{
			Status:     resp.Status,
			StatusText: resp.StatusText,
			Headers:    resp.Headers,
			Body:       resp.Body,
		}
		return true
	}
	return false
}

// appendInfoLog appends a labeled diagnostic entry, deduplicated by id: a
// given id is emitted at most once per flow instance, so retried steps do
// not duplicate their diagnostics.
func appendInfoLog(state *FlowState, id, label string, data interface{}) bool {
	for _, entry := range state.InfoLogs {
		if entry.ID == id {
			return false
		}
	}
	state.InfoLogs = append(state.InfoLogs, InfoLog{
		ID:        id,
		Label:     label,
		Data:      data,
		Timestamp: time.Now(),
	})
	return true
}
