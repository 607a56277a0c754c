package jobfile

import (
	"encoding/json"
	"time"
)

// Encode serializes a job in the queue file layout. Log timestamps are
// synthetic; only the message field is meaningful.
func Encode(job *Job) ([]byte, error) {
	out := struct {
		ID  int64   `json:"id"`
		Ops []rawOp `json:"ops"`
	}{ID: job.ID, Ops: make([]rawOp, 0, len(job.Ops))}

	now := time.Now()
	for _, op := range job.Ops {
		in := rawInput{OpID: op.OpID}
		if op.Instance != "" {
			name := op.Instance
			in.InstanceName = &name
		}
		ro := rawOp{Input: in, Status: op.Status, Log: [][]json.RawMessage{}}
		if op.LogMsg != nil {
			entry, err := logEntry(1, now, *op.LogMsg)
			if err != nil {
				return nil, err
			}
			ro.Log = append(ro.Log, entry)
		}
		out.Ops = append(out.Ops, ro)
	}
	return json.Marshal(out)
}

func logEntry(serial int, ts time.Time, msg string) ([]json.RawMessage, error) {
	fields := []interface{}{serial, []int64{ts.Unix(), int64(ts.Nanosecond() / 1000)}, "message", msg}
	entry := make([]json.RawMessage, 0, len(fields))
	for _, f := range fields {
		b, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		entry = append(entry, b)
	}
	return entry, nil
}
