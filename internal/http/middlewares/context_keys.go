package middlewares

// Keys used on the gin context. Plain strings because gin's Set/Get and
// GetString operate on string keys.
const (
	CtxRequestID = "request_id"
	CtxJobID     = "job_id"
)
