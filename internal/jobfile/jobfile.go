// Package jobfile decodes Ganeti job queue files.
//
// A job file holds one serialized job: its id and an ordered list of
// operations, each with an opcode input, a status and a log whose entries
// look like [serial, [sec, usec], type, message].
package jobfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

// DefaultPrefix is the file-name prefix of job files in the queue directory.
const DefaultPrefix = "job-"

// Op is one decoded operation of a job.
type Op struct {
	OpID     string
	Instance string
	Status   string
	// LogMsg is the last field of the last log entry, nil when the log is empty.
	LogMsg *string
}

// Job is a decoded job record.
type Job struct {
	ID  int64
	Ops []Op
}

type rawJob struct {
	ID  json.RawMessage `json:"id"`
	Ops []rawOp         `json:"ops"`
}

type rawOp struct {
	Input  rawInput            `json:"input"`
	Status string              `json:"status"`
	Log    [][]json.RawMessage `json:"log"`
}

type rawInput struct {
	OpID         string   `json:"OP_ID"`
	InstanceName *string  `json:"instance_name,omitempty"`
	Instances    []string `json:"instances,omitempty"`
}

// IsJobFile reports whether a queue directory entry is a job file.
func IsJobFile(name, prefix string) bool {
	return strings.HasPrefix(name, prefix)
}

// Decode parses a job file. Any malformed content yields a KindDecode error.
func Decode(data []byte) (*Job, error) {
	var raw rawJob
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.DecodeError(err, "parse job record")
	}

	id, err := parseJobID(raw.ID)
	if err != nil {
		return nil, apperrors.DecodeError(err, "parse job id")
	}

	job := &Job{ID: id, Ops: make([]Op, 0, len(raw.Ops))}
	for i, ro := range raw.Ops {
		if ro.Input.OpID == "" {
			return nil, apperrors.DecodeError(fmt.Errorf("op %d has no OP_ID", i), "parse job op")
		}
		logmsg, err := lastLogMessage(ro.Log)
		if err != nil {
			return nil, apperrors.DecodeError(err, fmt.Sprintf("parse log of op %d", i))
		}
		job.Ops = append(job.Ops, Op{
			OpID:     ro.Input.OpID,
			Instance: instanceOf(ro.Input),
			Status:   ro.Status,
			LogMsg:   logmsg,
		})
	}
	return job, nil
}

// Notifications builds one notification per op, in file order.
func (j *Job) Notifications() []domain.JobNotification {
	out := make([]domain.JobNotification, 0, len(j.Ops))
	for _, op := range j.Ops {
		out = append(out, domain.NewJobNotification(op.Instance, op.OpID, j.ID, op.Status, op.LogMsg))
	}
	return out
}

// instanceOf prefers instance_name over the joined multi-instance list.
func instanceOf(in rawInput) string {
	if in.InstanceName != nil {
		return *in.InstanceName
	}
	return strings.Join(in.Instances, " ")
}

func parseJobID(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing job id")
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("job id %s is neither a number nor a string", raw)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("job id %q: %w", s, err)
	}
	return n, nil
}

func lastLogMessage(log [][]json.RawMessage) (*string, error) {
	if len(log) == 0 {
		return nil, nil
	}
	last := log[len(log)-1]
	if len(last) == 0 {
		return nil, nil
	}
	field := bytes.TrimSpace(last[len(last)-1])
	if bytes.Equal(field, []byte("null")) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(field, &s); err == nil {
		return &s, nil
	}
	// Structured messages are carried as compact JSON text.
	var buf bytes.Buffer
	if err := json.Compact(&buf, field); err != nil {
		return nil, err
	}
	s = buf.String()
	return &s, nil
}
