package client

import (
	"encoding/json"
	"fmt"

	"github.com/nemanja-m/jobwire/internal/job"
)

// Envelope hands a job to another process: the connection settings and
// the frozen descriptor.
type Envelope struct {
	Connection json.RawMessage `json:"connection"`
	Job        json.RawMessage `json:"job"`
}

// MarshalBinary freezes the job and returns its envelope. A frozen job
// keeps accepting records, but only into files in its directory.
func (j *Job) MarshalBinary() ([]byte, error) {
	descriptor, err := j.impl.Freeze()
	if err != nil {
		return nil, err
	}
	conn, err := j.conn.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Connection: conn, Job: descriptor})
}

// Unserialize revives a job from MarshalBinary output. The job's directory
// must exist on the shared filesystem. The broker is contacted only when
// the job starts.
func Unserialize(env *Environment, data []byte) (*Job, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("job envelope: %w", err)
	}
	if len(envelope.Connection) == 0 || len(envelope.Job) == 0 {
		return nil, fmt.Errorf("job envelope: missing connection or job")
	}

	conn, err := ConnectionFromJSON(env, envelope.Connection)
	if err != nil {
		return nil, err
	}
	impl, err := job.Revive(conn, envelope.Job)
	if err != nil {
		return nil, err
	}
	return &Job{conn: conn, impl: impl}, nil
}
