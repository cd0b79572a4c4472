package job

import (
	"encoding/json"
	"time"
)

// View is the read-model rendering of a job: every epoch-ms timestamp is
// doubled as an ISO-8601 string and the stored result payload is decoded
// back into a value.
type View struct {
	ID            string  `json:"id"`
	Type          Type    `json:"type"`
	Target        string  `json:"target"`
	Status        Status  `json:"status"`
	Attempts      int     `json:"attempts"`
	MaxAttempts   int     `json:"maxAttempts"`
	CreatedAt     int64   `json:"createdAt"`
	CreatedAtIso  string  `json:"createdAtIso"`
	UpdatedAt     *int64  `json:"updatedAt"`
	UpdatedAtIso  *string `json:"updatedAtIso,omitempty"`
	LeaseUntil    *int64  `json:"leaseUntil"`
	LeaseUntilIso *string `json:"leaseUntilIso,omitempty"`
	NextRunAt     *int64  `json:"nextRunAt"`
	NextRunAtIso  *string `json:"nextRunAtIso,omitempty"`
	SortAt        int64   `json:"sortAt"`
	Result        any     `json:"result"`
	Error         *string `json:"error"`
}

func NewView(j Job) View {
	v := View{
		ID:           j.ID,
		Type:         j.Type,
		Target:       j.Target,
		Status:       j.Status,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		CreatedAt:    j.CreatedAt,
		CreatedAtIso: FormatISO(j.CreatedAt),
		UpdatedAt:    j.UpdatedAt,
		LeaseUntil:   j.LeaseUntil,
		NextRunAt:    j.NextRunAt,
		SortAt:       j.SortAt,
		Result:       DecodeResult(j.Result),
		Error:        j.Error,
	}

	v.UpdatedAtIso = isoPtr(j.UpdatedAt)
	v.LeaseUntilIso = isoPtr(j.LeaseUntil)
	v.NextRunAtIso = isoPtr(j.NextRunAt)

	return v
}

// DecodeResult turns the stored serialization back into a value, falling
// back to the raw string when it is not valid JSON.
func DecodeResult(raw *string) any {
	if raw == nil {
		return nil
	}

	var out any
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return *raw
	}
	return out
}

func FormatISO(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}

func isoPtr(ms *int64) *string {
	if ms == nil {
		return nil
	}
	s := FormatISO(*ms)
	return &s
}
