package observability

import (
	"errors"
	"strconv"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
)

func (p *Prom) ObserveDB(op string, fn func() error) error {
	start := time.Now()
	err := fn()

	status := "ok"

	if err != nil {
		status = "error"
		p.DbErrorsTotal.WithLabelValues(op, classifyDBErr(err)).Inc()
	}
	p.DbQueryDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	return err

}

func classifyDBErr(err error) string {
	var se *sqlite3.Error
	if errors.As(err, &se) {
		switch code := se.Code(); {
		case code == 1555 || code == 2067:
			return "unique_violation"
		case code&0xff == 19:
			return "constraint"
		case code == 5:
			return "busy"
		case code == 6:
			return "locked"
		default:
			return "sqlite_" + strconv.Itoa(code)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return "timeout"
	case strings.Contains(msg, "connection"):
		return "connection"
	default:
		return "unknown"
	}
}
